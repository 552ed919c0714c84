package carrier

import (
	"crypto/tls"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/danmuck/portmesh/internal/logs"
)

// Options configures the built-in carriers that need outside resources.
type Options struct {
	// QuicTLS is the server config for the quic carrier. A self-signed
	// certificate is generated on first use when nil.
	QuicTLS *tls.Config
	// ZstdLevel is the ztcp encoder level.
	ZstdLevel zstd.EncoderLevel
	// SocketDir holds shmem unix sockets. Defaults to os.TempDir().
	SocketDir string
	// ConsoleIn and ConsoleOut back the human carrier. Default to stdin/stdout.
	ConsoleIn  io.Reader
	ConsoleOut io.Writer
}

func DefaultOptions() Options {
	return Options{
		ZstdLevel:  zstd.SpeedDefault,
		SocketDir:  os.TempDir(),
		ConsoleIn:  os.Stdin,
		ConsoleOut: os.Stdout,
	}
}

// Registry maps carrier names and headers to prototypes. It is filled at
// startup and read-only once frozen.
type Registry struct {
	mu     sync.RWMutex
	frozen bool
	protos map[string]Carrier
}

func NewRegistry() *Registry {
	return &Registry{protos: make(map[string]Carrier)}
}

// NewDefaultRegistry registers every built-in carrier. It is not frozen so
// callers can add their own before freezing.
func NewDefaultRegistry(opts Options) *Registry {
	r := NewRegistry()
	for _, c := range Builtins(opts) {
		if err := r.Register(c); err != nil {
			logs.Errf("carrier.NewDefaultRegistry register name=%s err=%v", c.Name(), err)
		}
	}
	return r
}

// Builtins returns fresh prototypes of the built-in carriers.
func Builtins(opts Options) []Carrier {
	return []Carrier{
		NewTCP(),
		NewFastTCP(),
		NewUDP(),
		NewShmem(opts.SocketDir),
		NewQuic(opts.QuicTLS),
		NewZTCP(opts.ZstdLevel),
		NewText(),
		NewTextAck(),
		NewHuman(opts.ConsoleIn, opts.ConsoleOut),
		NewNameSer(),
	}
}

// Register adds a prototype. Names must be unique and so must headers.
func (r *Registry) Register(proto Carrier) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrFrozen
	}
	name := proto.Name()
	if _, ok := r.protos[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, name)
	}
	for other, c := range r.protos {
		if c.Header() == proto.Header() {
			return fmt.Errorf("%w: %s shares header with %s", ErrDuplicate, name, other)
		}
	}
	r.protos[name] = proto
	logs.Debugf("carrier.Registry.Register name=%s header=%q", name, headerString(proto.Header()))
	return nil
}

// Freeze makes the registry read-only.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// ByName returns a fresh instance of the named carrier.
func (r *Registry) ByName(name string) (Carrier, error) {
	r.mu.RLock()
	proto, ok := r.protos[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCarrier, name)
	}
	return proto.Create(), nil
}

// ByHeader returns a fresh instance of the carrier whose CheckHeader accepts h.
func (r *Registry) ByHeader(h [8]byte) (Carrier, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range r.sortedNames() {
		if proto := r.protos[name]; proto.CheckHeader(h) {
			return proto.Create(), nil
		}
	}
	return nil, fmt.Errorf("%w: header %q", ErrUnknownCarrier, headerString(h))
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedNames()
}

func (r *Registry) sortedNames() []string {
	names := make([]string, 0, len(r.protos))
	for name := range r.protos {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func headerString(h [8]byte) string {
	if spec, err := SpecifierOf(h); err == nil {
		return fmt.Sprintf("YA(%d)RP", spec+MagicBase)
	}
	return string(h[:])
}
