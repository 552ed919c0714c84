package port

import (
	"fmt"
	"strings"

	"github.com/danmuck/portmesh/internal/connection"
	"github.com/danmuck/portmesh/internal/names"
)

// Policy decides what a write does when a peer is slower than the writer.
type Policy string

const (
	// PolicyDropOldest keeps one unsent message per output; a newer write
	// replaces it. Inputs drop the oldest buffered message when full.
	PolicyDropOldest Policy = "drop_oldest"
	// PolicyStrictFIFO queues up to QueueDepth messages per output and
	// blocks writers beyond that. Inputs apply backpressure.
	PolicyStrictFIFO Policy = "strict_fifo"
)

// Handler receives inbound messages in place of Read. A message expecting
// a reply must be answered before the handler returns; an unanswered one
// gets an empty reply.
type Handler func(msg *Message)

type Config struct {
	// Name is the registered port name. Empty or "..." registers an
	// anonymous /tmp/port/N name.
	Name string
	Host string
	// Port is the listen port; 0 binds an ephemeral one.
	Port int
	// Carrier is used for outputs that do not name one.
	Carrier string
	Policy  Policy
	// ReadDepth is the inbound buffer: 0 hands each message straight to a
	// blocked reader, 2 and 3 double and triple buffer.
	ReadDepth int
	// QueueDepth bounds each strict_fifo output queue.
	QueueDepth int
	// ConnectAttempts is how many dial+handshake tries an output gets.
	ConnectAttempts int
	// Envelope prefixes binary messages with a (env seq time) header.
	Envelope   bool
	Connection connection.Config
	OnMessage  Handler
}

func DefaultConfig() Config {
	return Config{
		Host:            "127.0.0.1",
		Carrier:         "tcp",
		Policy:          PolicyDropOldest,
		ReadDepth:       2,
		QueueDepth:      8,
		ConnectAttempts: 3,
		Connection:      connection.DefaultConfig(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	c.Name = strings.TrimSpace(c.Name)
	if strings.TrimSpace(c.Host) == "" {
		c.Host = d.Host
	}
	if strings.TrimSpace(c.Carrier) == "" {
		c.Carrier = d.Carrier
	}
	if c.Policy == "" {
		c.Policy = d.Policy
	}
	if c.QueueDepth == 0 {
		c.QueueDepth = d.QueueDepth
	}
	if c.ConnectAttempts == 0 {
		c.ConnectAttempts = d.ConnectAttempts
	}
	return c
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if c.Name != "" && c.Name != names.Anonymous {
		if err := names.ValidateName(c.Name); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Port)
	}
	switch c.Policy {
	case PolicyDropOldest, PolicyStrictFIFO:
	default:
		return fmt.Errorf("%w: unknown policy %q", ErrInvalidConfig, c.Policy)
	}
	switch c.ReadDepth {
	case 0, 2, 3:
	default:
		return fmt.Errorf("%w: read depth %d (want 0, 2 or 3)", ErrInvalidConfig, c.ReadDepth)
	}
	if c.QueueDepth < 1 {
		return fmt.Errorf("%w: queue depth %d", ErrInvalidConfig, c.QueueDepth)
	}
	if c.ConnectAttempts < 1 {
		return fmt.Errorf("%w: connect attempts %d", ErrInvalidConfig, c.ConnectAttempts)
	}
	return nil
}
