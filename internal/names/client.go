package names

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/danmuck/portmesh/internal/carrier"
	"github.com/danmuck/portmesh/internal/connection"
	"github.com/danmuck/portmesh/internal/contact"
	"github.com/danmuck/portmesh/internal/logs"
	"github.com/danmuck/portmesh/internal/stream"
	"github.com/danmuck/portmesh/internal/wire"
)

// Client is a Resolver backed by a remote name server. Each call opens a
// short nameser connection.
type Client struct {
	addr string
	cfg  connection.Config
	// Attempts is how many times dial and handshake are tried per call.
	Attempts int
}

func NewClient(addr string, cfg connection.Config) *Client {
	return &Client{
		addr:     addr,
		cfg:      cfg,
		Attempts: 3,
	}
}

func (c *Client) Addr() string { return c.addr }

func (c *Client) dial(ctx context.Context) (*connection.Conn, error) {
	attempts := c.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := connection.WaitBackoff(ctx, c.cfg.Backoff, attempt-1, nil); err != nil {
				return nil, err
			}
		}
		s, err := stream.Dial("tcp", c.addr, c.cfg.ConnectTimeout, c.cfg.WriteTimeout)
		if err != nil {
			lastErr = err
			logs.Debugf("names.Client.dial addr=%s attempt=%d err=%v", c.addr, attempt, err)
			continue
		}
		conn, err := connection.Open(ctx, s, carrier.NewNameSer(), contact.NewRoute("", "", ""), c.cfg)
		if err != nil {
			lastErr = err
			continue
		}
		return conn, nil
	}
	return nil, fmt.Errorf("names: name server %s unreachable: %w", c.addr, lastErr)
}

// Send runs one command and returns the reply lines without the terminator.
func (c *Client) Send(ctx context.Context, verb string, args ...string) ([]string, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	w := wire.NewTextWriter(nil)
	defer w.Release()
	w.AppendLine(strings.Join(append([]string{verb}, args...), " "))
	frame, err := conn.Request(ctx, w)
	if err != nil {
		return nil, err
	}
	var lines []string
	for _, line := range strings.Split(string(frame.Data), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == carrier.EndOfMessage {
			break
		}
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

func (c *Client) Register(ctx context.Context, name string, hint contact.Contact) (contact.Contact, error) {
	if isAnonymous(name) {
		name = Anonymous
	}
	args := []string{name, orAuto(hint.Carrier), orAuto(hint.Host), Anonymous}
	if hint.Port > 0 {
		args[3] = strconv.Itoa(hint.Port)
	}
	lines, err := c.Send(ctx, "register", args...)
	if err != nil {
		return contact.Contact{}, err
	}
	for _, line := range lines {
		if got, ok := ParseRegistration(line); ok {
			return got, nil
		}
	}
	return contact.Contact{}, fmt.Errorf("%w: register %s: %q", ErrBadReply, name, strings.Join(lines, "; "))
}

func orAuto(s string) string {
	if strings.TrimSpace(s) == "" {
		return Anonymous
	}
	return s
}

func (c *Client) Query(ctx context.Context, name string) (contact.Contact, error) {
	lines, err := c.Send(ctx, "query", name)
	if err != nil {
		return contact.Contact{}, err
	}
	for _, line := range lines {
		if got, ok := ParseRegistration(line); ok {
			return got, nil
		}
	}
	return contact.Contact{}, fmt.Errorf("%w: %s", ErrNotFound, name)
}

// Unregister removes name. The server echoes the removed registration, so
// an empty reply means the name was unknown.
func (c *Client) Unregister(ctx context.Context, name string) error {
	lines, err := c.Send(ctx, "unregister", name)
	if err != nil {
		return err
	}
	for _, line := range lines {
		if _, ok := ParseRegistration(line); ok {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrNotFound, name)
}

// List returns every registration the server knows.
func (c *Client) List(ctx context.Context) ([]contact.Contact, error) {
	lines, err := c.Send(ctx, "list")
	if err != nil {
		return nil, err
	}
	out := make([]contact.Contact, 0, len(lines))
	for _, line := range lines {
		if got, ok := ParseRegistration(line); ok {
			out = append(out, got)
		}
	}
	return out, nil
}

// Set replaces a property of name; Get reads it back.
func (c *Client) Set(ctx context.Context, name, key string, values ...string) error {
	_, err := c.Send(ctx, "set", append([]string{name, key}, values...)...)
	return err
}

func (c *Client) Get(ctx context.Context, name, key string) ([]string, error) {
	lines, err := c.Send(ctx, "get", name, key)
	if err != nil {
		return nil, err
	}
	prefix := "port " + name + " property " + key + " ="
	for _, line := range lines {
		if rest, ok := strings.CutPrefix(line, prefix); ok {
			return strings.Fields(rest), nil
		}
	}
	return nil, fmt.Errorf("%w: get %s %s: %q", ErrBadReply, name, key, strings.Join(lines, "; "))
}
