package names

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/danmuck/portmesh/internal/contact"
	"github.com/danmuck/portmesh/internal/logs"
	"github.com/danmuck/portmesh/internal/observability"
)

// Config sets registry allocation defaults.
type Config struct {
	// BasePort is the first port handed out per host.
	BasePort int
	// MaxPort bounds allocation; 0 means 65535.
	MaxPort        int
	DefaultHost    string
	DefaultCarrier string
	TmpPrefix      string
}

func DefaultConfig() Config {
	return Config{
		BasePort:       10002,
		MaxPort:        65535,
		DefaultHost:    "127.0.0.1",
		DefaultCarrier: "tcp",
		TmpPrefix:      "/tmp/port/",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BasePort <= 0 {
		c.BasePort = d.BasePort
	}
	if c.MaxPort <= 0 {
		c.MaxPort = d.MaxPort
	}
	if strings.TrimSpace(c.DefaultHost) == "" {
		c.DefaultHost = d.DefaultHost
	}
	if strings.TrimSpace(c.DefaultCarrier) == "" {
		c.DefaultCarrier = d.DefaultCarrier
	}
	if c.TmpPrefix == "" {
		c.TmpPrefix = d.TmpPrefix
	}
	return c
}

// Registry is the in-process name table. All state sits behind one mutex.
type Registry struct {
	cfg Config

	mu      sync.Mutex
	records map[string]*Record
	hosts   map[string]*freeList
	tmp     *freeList
	store   Store
}

type RegistryOption func(*Registry)

// WithStore persists every change to s.
func WithStore(s Store) RegistryOption {
	return func(r *Registry) { r.store = s }
}

func NewRegistry(cfg Config, opts ...RegistryOption) *Registry {
	r := &Registry{
		cfg:     cfg.withDefaults(),
		records: make(map[string]*Record),
		hosts:   make(map[string]*freeList),
		tmp:     newFreeList(1, 0),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) Config() Config { return r.cfg }

// Restore loads the store's records, marking their ports and suffixes used.
func (r *Registry) Restore(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	recs, err := r.store.Load(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range recs {
		rec := rec.clone()
		if rec.TmpSuffix == 0 {
			rec.TmpSuffix = r.tmpSuffix(rec.Name())
		}
		r.records[rec.Name()] = &rec
		r.host(rec.Contact.Host).take(rec.Contact.Port)
		if rec.TmpSuffix > 0 {
			r.tmp.take(rec.TmpSuffix)
		}
	}
	observability.SetRegisteredNames(len(r.records))
	logs.Infof("names.Registry.Restore records=%d", len(recs))
	return nil
}

func (r *Registry) host(name string) *freeList {
	fl, ok := r.hosts[name]
	if !ok {
		fl = newFreeList(r.cfg.BasePort, r.cfg.MaxPort)
		r.hosts[name] = fl
	}
	return fl
}

// Register binds name, replacing any earlier registration of it. An empty
// or "..." name gets the lowest free /tmp/port/N.
func (r *Registry) Register(ctx context.Context, name string, hint contact.Contact) (contact.Contact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := Record{}
	if isAnonymous(name) {
		n, _ := r.tmp.get()
		rec.TmpSuffix = n
		name = r.cfg.TmpPrefix + strconv.Itoa(n)
	} else if err := ValidateName(name); err != nil {
		return contact.Contact{}, err
	}
	if prev, ok := r.records[name]; ok {
		r.releaseLocked(prev)
		delete(r.records, name)
	}
	if rec.TmpSuffix == 0 {
		// An explicit /tmp/port/N name reserves N from anonymous allocation.
		if n := r.tmpSuffix(name); n > 0 {
			r.tmp.take(n)
			rec.TmpSuffix = n
		}
	}

	host := strings.TrimSpace(hint.Host)
	if host == "" || host == Anonymous {
		host = r.cfg.DefaultHost
	}
	carrierName := strings.TrimSpace(hint.Carrier)
	if carrierName == "" || carrierName == Anonymous {
		carrierName = r.cfg.DefaultCarrier
	}
	port := hint.Port
	if port <= 0 {
		n, ok := r.host(host).get()
		if !ok {
			if rec.TmpSuffix > 0 {
				r.tmp.release(rec.TmpSuffix)
			}
			return contact.Contact{}, fmt.Errorf("%w: host %s", ErrPortsInUse, host)
		}
		port = n
		rec.ReusablePort = true
	} else {
		r.host(host).take(port)
	}
	rec.Contact = contact.New(name, carrierName, host, port)

	if err := r.saveLocked(ctx, rec); err != nil {
		r.releaseLocked(&rec)
		return contact.Contact{}, err
	}
	r.records[name] = &rec
	observability.SetRegisteredNames(len(r.records))
	logs.Debugf("names.Registry.Register name=%s contact=%s reusable_port=%t", name, rec.Contact.URI(), rec.ReusablePort)
	return rec.Contact, nil
}

func (r *Registry) tmpSuffix(name string) int {
	rest, ok := strings.CutPrefix(name, r.cfg.TmpPrefix)
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n <= 0 || strconv.Itoa(n) != rest {
		return 0
	}
	return n
}

func (r *Registry) releaseLocked(rec *Record) {
	r.host(rec.Contact.Host).release(rec.Contact.Port)
	if rec.TmpSuffix > 0 {
		r.tmp.release(rec.TmpSuffix)
	}
}

func (r *Registry) saveLocked(ctx context.Context, rec Record) error {
	if r.store == nil {
		return nil
	}
	return r.store.Save(ctx, rec)
}

func (r *Registry) Query(_ context.Context, name string) (contact.Contact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[name]
	if !ok {
		return contact.Contact{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return rec.Contact, nil
}

// Unregister frees name, its allocated port and any tmp suffix.
func (r *Registry) Unregister(ctx context.Context, name string) error {
	_, err := r.Remove(ctx, name)
	return err
}

// Remove is Unregister that also returns the contact that was bound.
func (r *Registry) Remove(ctx context.Context, name string) (contact.Contact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[name]
	if !ok {
		return contact.Contact{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if r.store != nil {
		if err := r.store.Delete(ctx, name); err != nil {
			return contact.Contact{}, err
		}
	}
	r.releaseLocked(rec)
	delete(r.records, name)
	observability.SetRegisteredNames(len(r.records))
	logs.Debugf("names.Registry.Unregister name=%s", name)
	return rec.Contact, nil
}

// Lookup returns a copy of the full record.
func (r *Registry) Lookup(name string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[name]
	if !ok {
		return Record{}, false
	}
	return rec.clone(), true
}

// List returns every record sorted by name.
func (r *Registry) List() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Set replaces property key of name with values.
func (r *Registry) Set(ctx context.Context, name, key string, values ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	next := rec.clone()
	if next.Props == nil {
		next.Props = make(map[string][]string)
	}
	if len(values) == 0 {
		delete(next.Props, key)
	} else {
		next.Props[key] = append([]string(nil), values...)
	}
	if err := r.saveLocked(ctx, next); err != nil {
		return err
	}
	*rec = next
	return nil
}

func (r *Registry) Get(name, key string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return append([]string(nil), rec.Props[key]...), nil
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}
