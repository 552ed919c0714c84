// Package contact holds the endpoint identity values passed between ports,
// carriers and the name service.
package contact

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

var (
	ErrInvalidContact = errors.New("contact: invalid contact string")
)

// Contact identifies one endpoint. Zero value is the unknown contact.
type Contact struct {
	Name    string
	Host    string
	Port    int
	Carrier string
}

func New(name, carrier, host string, port int) Contact {
	return Contact{Name: name, Host: host, Port: port, Carrier: carrier}
}

// ByName returns a contact that only knows its logical name.
func ByName(name string) Contact {
	return Contact{Name: name}
}

func (c Contact) IsValid() bool {
	return c.Host != "" && c.Port > 0
}

func (c Contact) IsZero() bool {
	return c == Contact{}
}

// Address returns host:port, suitable for net.Dial.
func (c Contact) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c Contact) WithName(name string) Contact {
	c.Name = name
	return c
}

func (c Contact) WithCarrier(carrier string) Contact {
	c.Carrier = carrier
	return c
}

func (c Contact) WithAddress(host string, port int) Contact {
	c.Host = host
	c.Port = port
	return c
}

// String renders name@host:port. Only the parts that are known are printed.
func (c Contact) String() string {
	if c.IsZero() {
		return "?"
	}
	if c.Host == "" {
		return c.Name
	}
	addr := c.Address()
	if c.Name == "" {
		return addr
	}
	return c.Name + "@" + addr
}

// URI renders carrier://host:port/name.
func (c Contact) URI() string {
	carrier := c.Carrier
	if carrier == "" {
		carrier = "tcp"
	}
	name := strings.TrimPrefix(c.Name, "/")
	return carrier + "://" + c.Address() + "/" + name
}

// Parse accepts name@host:port, host:port, a bare /name, or carrier://host:port/name.
func Parse(raw string) (Contact, error) {
	s := strings.TrimSpace(raw)
	if s == "" || s == "?" {
		return Contact{}, nil
	}
	if i := strings.Index(s, "://"); i >= 0 {
		return parseURI(s[:i], s[i+3:])
	}
	name, addr := "", s
	if i := strings.LastIndex(s, "@"); i >= 0 {
		name, addr = s[:i], s[i+1:]
	} else if strings.HasPrefix(s, "/") {
		return ByName(s), nil
	}
	host, port, err := splitAddr(addr)
	if err != nil {
		return Contact{}, fmt.Errorf("%w: %q: %v", ErrInvalidContact, raw, err)
	}
	return Contact{Name: name, Host: host, Port: port}, nil
}

func parseURI(carrier, rest string) (Contact, error) {
	addr, name := rest, ""
	if i := strings.Index(rest, "/"); i >= 0 {
		addr, name = rest[:i], rest[i:]
	}
	host, port, err := splitAddr(addr)
	if err != nil {
		return Contact{}, fmt.Errorf("%w: %q: %v", ErrInvalidContact, carrier+"://"+rest, err)
	}
	if name == "/" {
		name = ""
	}
	return Contact{Name: name, Host: host, Port: port, Carrier: carrier}, nil
}

func splitAddr(addr string) (string, int, error) {
	host, portText, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portText)
	if err != nil || port < 0 || port > 65535 {
		return "", 0, fmt.Errorf("bad port %q", portText)
	}
	return host, port, nil
}
