// Package names maps port names to contacts. Registry is the authoritative
// in-process table; Service exposes one over the nameser text protocol and
// an admin HTTP API; Client resolves against a remote Service.
package names

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/portmesh/internal/contact"
)

var (
	ErrNotFound     = errors.New("names: name not registered")
	ErrInvalidName  = errors.New("names: invalid port name")
	ErrPortsInUse   = errors.New("names: no free port left")
	ErrBadReply     = errors.New("names: malformed name server reply")
	ErrUnknownVerb  = errors.New("names: unknown command")
	ErrMissingField = errors.New("names: missing argument")
)

// Anonymous asks Register to pick a /tmp/port/N name.
const Anonymous = "..."

//go:generate mockgen -destination namestest/mock_resolver.go -package namestest github.com/danmuck/portmesh/internal/names Resolver

// Resolver is what a port needs from name resolution.
type Resolver interface {
	// Register binds name to a contact. Fields left empty in hint (host,
	// carrier, port 0) are filled in by the resolver.
	Register(ctx context.Context, name string, hint contact.Contact) (contact.Contact, error)
	Query(ctx context.Context, name string) (contact.Contact, error)
	Unregister(ctx context.Context, name string) error
}

// Record is one registration.
type Record struct {
	Contact contact.Contact
	// ReusablePort is set when the registry picked the port rather than the
	// caller.
	ReusablePort bool
	// TmpSuffix is N for a /tmp/port/N name, else 0.
	TmpSuffix int
	Props     map[string][]string
}

func (r Record) Name() string { return r.Contact.Name }

func (r Record) clone() Record {
	out := r
	if r.Props != nil {
		out.Props = make(map[string][]string, len(r.Props))
		for k, v := range r.Props {
			out.Props[k] = append([]string(nil), v...)
		}
	}
	return out
}

func isAnonymous(name string) bool {
	return name == "" || name == Anonymous
}

// ValidateName accepts absolute port names without whitespace.
func ValidateName(name string) error {
	if !strings.HasPrefix(name, "/") || strings.ContainsAny(name, " \t\r\n\"") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
