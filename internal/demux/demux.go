package demux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/zsiec/tsdemux/internal/media"
	"github.com/zsiec/tsdemux/internal/source"
)

// Sink is a consumer-owned packet queue bound to one elementary stream. The
// Demuxer never owns a sink; the caller keeps it alive until Done is closed.
type Sink interface {
	// BindStream attaches stream metadata before Open.
	BindStream(desc media.StreamDescriptor, index int)
	Open() error
	// Enqueue takes ownership of pkt.
	Enqueue(pkt *media.Packet)
	// Flush discards every queued packet.
	Flush()
	QueueDepth() int
	StreamIndex() int
}

// Opener resolves a locator scheme to a source driver. *source.Registry
// implements it.
type Opener interface {
	Allocate(scheme string) (source.Driver, error)
}

// StatsRecorder receives worker telemetry. The metrics package implements
// it.
type StatsRecorder interface {
	PacketRead()
	PacketRouted(t media.MediaType)
	PacketDiscarded()
	ReadRetry()
	BackpressureWait(notified bool)
	SinkFlushed(t media.MediaType)
	Seek(err error)
}

type nopStats struct{}

func (nopStats) PacketRead()                  {}
func (nopStats) PacketRouted(media.MediaType) {}
func (nopStats) PacketDiscarded()             {}
func (nopStats) ReadRetry()                   {}
func (nopStats) BackpressureWait(bool)        {}
func (nopStats) SinkFlushed(media.MediaType)  {}
func (nopStats) Seek(error)                   {}

// Config tunes a Demuxer. Zero fields take the defaults below.
type Config struct {
	// HighWaterMark is the queue depth at which a sink counts as full.
	// Default 50.
	HighWaterMark int
	// PollInterval bounds the pause sleep and the retry wait after an
	// empty read. Default 10ms.
	PollInterval time.Duration
	// BackpressureTimeout is the safety timeout of a backpressure wait.
	// Default 500ms.
	BackpressureTimeout time.Duration
	// OpenTimeout bounds the source open and the worker start. Default 5s.
	OpenTimeout time.Duration

	Log   *slog.Logger
	Stats StatsRecorder
	// OnEndOfStream is called from the worker each time the source reaches
	// its end.
	OnEndOfStream func()
}

func (c Config) withDefaults() Config {
	if c.HighWaterMark <= 0 {
		c.HighWaterMark = 50
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Millisecond
	}
	if c.BackpressureTimeout <= 0 {
		c.BackpressureTimeout = 500 * time.Millisecond
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 5 * time.Second
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	if c.Stats == nil {
		c.Stats = nopStats{}
	}
	return c
}

type binding struct {
	typ   media.MediaType
	index int
	sink  Sink
}

type seekRequest struct {
	position time.Duration
}

// handoff is the start handshake between Open and a new worker. The worker
// closes ready, then waits for Open's verdict on admit. A rejected worker
// closes the reader and then released, and never touches done.
type handoff struct {
	ready    chan struct{}
	admit    chan bool
	released chan struct{}
}

// Demuxer is the coordinator for one container. Its control methods are
// safe for concurrent use. A Demuxer is single-use: after a successful Open
// it cannot be opened again.
type Demuxer struct {
	log    *slog.Logger
	cfg    Config
	opener Opener
	sinks  [2]binding // audio, video

	mu      sync.Mutex // serializes Open and Start
	locator string
	spawned bool

	opened       atomic.Bool
	started      atomic.Bool
	aborted      atomic.Bool
	paused       atomic.Bool
	readFinished atomic.Bool
	seek         atomic.Pointer[seekRequest]

	startMu   sync.Mutex
	startTime *time.Duration

	prepared    chan struct{}
	prepareOnce sync.Once
	abort       chan struct{}
	abortOnce   sync.Once
	signal      signal

	done chan struct{}
	err  error // set before done is closed

	beforeReady func() // test hook, runs in the worker before it signals ready
}

// New creates a closed Demuxer. audio and video may be nil when the caller
// has no sink for that media type.
func New(opener Opener, audio, video Sink, cfg Config) *Demuxer {
	cfg = cfg.withDefaults()
	d := &Demuxer{
		log:      cfg.Log.With("component", "demux"),
		cfg:      cfg,
		opener:   opener,
		prepared: make(chan struct{}),
		abort:    make(chan struct{}),
		done:     make(chan struct{}),
	}
	d.sinks[0] = binding{typ: media.MediaAudio, index: -1, sink: audio}
	d.sinks[1] = binding{typ: media.MediaVideo, index: -1, sink: video}
	d.paused.Store(true)
	return d
}

// Open resolves locator, opens the container, binds and opens the sinks and
// starts the worker. The worker does not read until Start is called. A
// failed Open releases everything it acquired and may be retried.
func (d *Demuxer) Open(ctx context.Context, locator string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.spawned {
		return ErrAlreadyOpen
	}

	loc, err := source.ParseLocator(locator)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidLocator, err)
	}
	drv, err := d.opener.Allocate(loc.Scheme)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAllocationFailed, err)
	}

	octx, cancel := context.WithTimeout(ctx, d.cfg.OpenTimeout)
	defer cancel()
	r, err := drv.Open(octx, loc)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCannotOpenInput, err)
	}

	if err := d.bind(r.Streams()); err != nil {
		r.Close()
		return err
	}

	h := handoff{
		ready:    make(chan struct{}),
		admit:    make(chan bool, 1),
		released: make(chan struct{}),
	}
	d.spawned = true
	d.locator = loc.String()
	go d.run(r, h)

	// Separate budget from the driver open above.
	t := time.NewTimer(d.cfg.OpenTimeout)
	defer t.Stop()
	select {
	case <-h.ready:
		h.admit <- true
	case <-t.C:
		h.admit <- false
		<-h.released
		d.spawned = false
		d.locator = ""
		for i := range d.sinks {
			d.sinks[i].index = -1
		}
		return fmt.Errorf("%w: no start signal within %s", ErrWorkerStart, d.cfg.OpenTimeout)
	}

	d.opened.Store(true)
	d.log.Info("opened", "locator", d.locator, "audio_stream", d.sinks[0].index, "video_stream", d.sinks[1].index)
	return nil
}

// bind attaches each sink to the first stream of its media type and opens
// it. Sinks that fail to open stay unbound.
func (d *Demuxer) bind(streams []media.StreamDescriptor) error {
	first := map[media.MediaType]int{}
	for i, s := range streams {
		if s.Type != media.MediaAudio && s.Type != media.MediaVideo {
			continue
		}
		if _, ok := first[s.Type]; !ok {
			first[s.Type] = i
		}
	}
	if len(first) == 0 {
		return ErrNoMediaStreams
	}

	opened := 0
	for i := range d.sinks {
		b := &d.sinks[i]
		b.index = -1
		pos, ok := first[b.typ]
		if !ok || b.sink == nil {
			continue
		}
		desc := streams[pos]
		b.sink.BindStream(desc, desc.Index)
		if err := b.sink.Open(); err != nil {
			d.log.Warn("sink open failed", "type", b.typ, "codec", desc.Codec, "error", err)
			continue
		}
		b.index = desc.Index
		opened++
	}
	if opened == 0 {
		return ErrNoStreamOpened
	}
	return nil
}

// Start authorizes the worker to read. On an opened Demuxer it also clears
// the pause, unless Stop was called.
func (d *Demuxer) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.prepareOnce.Do(func() { close(d.prepared) })
	if d.opened.Load() && !d.aborted.Load() {
		d.paused.Store(false)
	}
	d.log.Debug("start")
}

// Stop asks the worker to exit. It returns immediately; use Done or Close
// to wait. Calls after the first do nothing.
func (d *Demuxer) Stop() {
	d.abortOnce.Do(func() {
		d.aborted.Store(true)
		close(d.abort)
		d.log.Debug("stop")
	})
}

// Pause stops reading at the worker's next iteration. A worker blocked on
// backpressure observes it after waking.
func (d *Demuxer) Pause() {
	d.paused.Store(true)
}

// Notify wakes a worker waiting for sink capacity. Safe to call when
// nothing is waiting.
func (d *Demuxer) Notify() {
	d.signal.Notify()
}

// SetStartTime sets the position, relative to the container start, the
// worker seeks to before its first read. It fails once the worker has
// passed its start gate.
func (d *Demuxer) SetStartTime(pos time.Duration) error {
	d.startMu.Lock()
	defer d.startMu.Unlock()
	if d.started.Load() {
		return ErrPlaybackStarted
	}
	d.startTime = &pos
	return nil
}

// takeStartTime marks the worker as started and returns the configured
// start position.
func (d *Demuxer) takeStartTime() (time.Duration, bool) {
	d.startMu.Lock()
	defer d.startMu.Unlock()
	d.started.Store(true)
	if d.startTime == nil {
		return 0, false
	}
	return *d.startTime, true
}

// RequestSeek asks the worker to flush every sink and reposition the source
// at pos, relative to the container start. A request that has not been
// handled yet is replaced.
func (d *Demuxer) RequestSeek(pos time.Duration) {
	d.seek.Store(&seekRequest{position: pos})
}

// Done is closed when the worker has exited. It never closes if Open did
// not succeed.
func (d *Demuxer) Done() <-chan struct{} {
	return d.done
}

// Err returns why the worker exited: ErrStopped, or an error wrapping
// ErrReadFailed. It is nil while the worker runs.
func (d *Demuxer) Err() error {
	select {
	case <-d.done:
		return d.err
	default:
		return nil
	}
}

// Close stops the worker and waits for it to exit. It returns the read
// error that ended the worker, if any.
func (d *Demuxer) Close() error {
	d.Stop()
	d.mu.Lock()
	spawned := d.spawned
	d.mu.Unlock()
	if !spawned {
		return nil
	}
	<-d.done
	if errors.Is(d.err, ErrReadFailed) {
		return d.err
	}
	return nil
}

// Locator returns the locator of the opened source.
func (d *Demuxer) Locator() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.locator
}
