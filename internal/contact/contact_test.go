package contact

import (
	"errors"
	"testing"

	"github.com/danmuck/portmesh/internal/testutil/testlog"
)

func TestContactStringRoundTrip(t *testing.T) {
	testlog.Start(t)
	in := []Contact{
		New("/camera/left", "", "127.0.0.1", 10002),
		New("", "", "10.0.0.5", 80),
		ByName("/only/name"),
		{},
		New("/v6", "", "::1", 10010),
	}
	for _, c := range in {
		got, err := Parse(c.String())
		if err != nil {
			t.Fatalf("parse %q: %v", c.String(), err)
		}
		if got != c {
			t.Fatalf("round trip mismatch: got=%+v want=%+v (text=%q)", got, c, c.String())
		}
	}
}

func TestContactURIRoundTrip(t *testing.T) {
	testlog.Start(t)
	c := New("/motor/out", "fast_tcp", "192.168.1.4", 10033)
	if c.URI() != "fast_tcp://192.168.1.4:10033/motor/out" {
		t.Fatalf("unexpected uri: %q", c.URI())
	}
	got, err := Parse(c.URI())
	if err != nil {
		t.Fatalf("parse uri: %v", err)
	}
	if got != c {
		t.Fatalf("uri mismatch: got=%+v want=%+v", got, c)
	}
}

func TestParseRejectsBadPort(t *testing.T) {
	testlog.Start(t)
	_, err := Parse("/x@localhost:notaport")
	if !errors.Is(err, ErrInvalidContact) {
		t.Fatalf("expected ErrInvalidContact, got %v", err)
	}
}

func TestRouteCopySetters(t *testing.T) {
	testlog.Start(t)
	r := NewRoute("", "/b", "tcp")
	r2 := r.WithFrom("/a")
	if r.From != "" {
		t.Fatalf("WithFrom mutated receiver")
	}
	if r2.String() != "/a->/b/tcp" {
		t.Fatalf("unexpected route: %s", r2)
	}
	if r2.Reverse().String() != "/b->/a/tcp" {
		t.Fatalf("unexpected reverse: %s", r2.Reverse())
	}
	if !New("/x", "", "h", 1).IsValid() || ByName("/x").IsValid() {
		t.Fatalf("validity mismatch")
	}
}
