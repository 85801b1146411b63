// Package source opens media containers and reads their elementary stream
// packets. A Registry maps locator schemes (file, srt, quic) to drivers;
// every driver yields a Reader over the MPEG-TS container layer.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/zsiec/tsdemux/internal/media"
)

var (
	// ErrWouldBlock means no packet is available yet; retry later.
	ErrWouldBlock = errors.New("source: no data available yet")
	// ErrIO wraps a hard failure of the underlying transport.
	ErrIO = errors.New("source: I/O error")
	// ErrNotSeekable is returned by Seek on live sources.
	ErrNotSeekable = errors.New("source: not seekable")
	// ErrInvalidLocator is returned for empty or unparseable locators.
	ErrInvalidLocator = errors.New("source: invalid locator")
	// ErrNoDriver is returned by Allocate for an unregistered scheme.
	ErrNoDriver = errors.New("source: no driver for scheme")
	// ErrNoProgram is returned when a container carries no program map.
	ErrNoProgram = errors.New("source: no program map found")
)

// Reader reads packets from one opened container. ReadPacket returns
// io.EOF at end of stream, ErrWouldBlock when a live source has nothing
// buffered, and an error wrapping ErrIO on transport failure. Reader is not
// safe for concurrent use except SuspendReadAhead and ResumeReadAhead.
type Reader interface {
	// Streams lists the elementary streams in container order.
	Streams() []media.StreamDescriptor
	// StartTime is the container's own start offset, the PTS of its first
	// packet.
	StartTime() time.Duration
	ReadPacket() (*media.Packet, error)
	// Seek repositions the reader near the absolute container time target.
	Seek(ctx context.Context, target time.Duration) error
	SuspendReadAhead()
	ResumeReadAhead()
	Close() error
}

// Locator is a parsed source address. Bare paths use the file scheme.
type Locator struct {
	Raw    string
	Scheme string
	Host   string
	Path   string
	Query  url.Values
}

func (l *Locator) String() string { return l.Raw }

// ParseLocator parses and copies a source locator.
func ParseLocator(s string) (*Locator, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidLocator)
	}
	if !strings.Contains(s, "://") {
		return &Locator{Raw: s, Scheme: "file", Path: s, Query: url.Values{}}, nil
	}

	u, err := url.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLocator, err)
	}
	loc := &Locator{
		Raw:    s,
		Scheme: strings.ToLower(u.Scheme),
		Host:   u.Host,
		Path:   u.Path,
		Query:  u.Query(),
	}
	switch {
	case loc.Scheme == "file":
		loc.Path = u.Host + u.Path
		if loc.Path == "" {
			return nil, fmt.Errorf("%w: %q has no path", ErrInvalidLocator, s)
		}
	case loc.Host == "":
		return nil, fmt.Errorf("%w: %q has no host", ErrInvalidLocator, s)
	}
	return loc, nil
}

// Driver opens a container for one locator scheme.
type Driver interface {
	Open(ctx context.Context, loc *Locator) (Reader, error)
}

// DriverFunc adapts a function to Driver.
type DriverFunc func(ctx context.Context, loc *Locator) (Reader, error)

// Open calls f.
func (f DriverFunc) Open(ctx context.Context, loc *Locator) (Reader, error) {
	return f(ctx, loc)
}

// Registry maps schemes to drivers.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]Driver
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]Driver)}
}

// DefaultRegistry returns a registry with the file, srt and quic drivers.
// If log is nil, slog.Default() is used.
func DefaultRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	r := NewRegistry()
	r.mustRegister("file", &FileDriver{Log: log})
	r.mustRegister("srt", &SRTDriver{Log: log})
	r.mustRegister("quic", &QUICDriver{Log: log})
	return r
}

// Register adds a driver for scheme. Registering a scheme twice fails.
func (r *Registry) Register(scheme string, d Driver) error {
	scheme = strings.ToLower(scheme)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.drivers[scheme]; ok {
		return fmt.Errorf("source: driver %q already registered", scheme)
	}
	r.drivers[scheme] = d
	return nil
}

func (r *Registry) mustRegister(scheme string, d Driver) {
	if err := r.Register(scheme, d); err != nil {
		panic(err)
	}
}

// Allocate returns the driver for scheme.
func (r *Registry) Allocate(scheme string) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[strings.ToLower(scheme)]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrNoDriver, scheme)
	}
	return d, nil
}
