package decoder

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/zsiec/tsdemux/internal/media"
)

var (
	// ErrUnsupportedCodec is returned by Open when the bound stream's codec
	// cannot be consumed by the sink.
	ErrUnsupportedCodec = errors.New("decoder: unsupported codec")
	// ErrNotOpen is returned by Open before BindStream and by Run before
	// Open.
	ErrNotOpen = errors.New("decoder: sink not open")
)

// StatsRecorder receives consumer telemetry. The metrics package implements
// it.
type StatsRecorder interface {
	QueueDepth(t media.MediaType, depth int)
	PacketConsumed(t media.MediaType, bytes int)
	Caption(channel int)
}

type nopStats struct{}

func (nopStats) QueueDepth(media.MediaType, int)     {}
func (nopStats) PacketConsumed(media.MediaType, int) {}
func (nopStats) Caption(int)                         {}

// Options configure a sink.
type Options struct {
	Log *slog.Logger
	// HighWaterMark is the depth under which the drained callback fires.
	// Default 50.
	HighWaterMark int
	// Realtime paces consumption by packet timestamps instead of draining
	// as fast as possible.
	Realtime bool
	Stats    StatsRecorder
}

// sink holds what the audio and video consumers share: the queue, the
// stream binding and the drain loop.
type sink struct {
	log  *slog.Logger
	typ  media.MediaType
	opts Options
	q    *Queue

	mu        sync.Mutex
	desc      media.StreamDescriptor
	index     int
	bound     bool
	opened    bool
	onDrained func()

	flushed atomic.Int64
	resync  atomic.Bool
	pace    pacer
}

func (s *sink) init(typ media.MediaType, opts Options) {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.HighWaterMark <= 0 {
		opts.HighWaterMark = 50
	}
	if opts.Stats == nil {
		opts.Stats = nopStats{}
	}
	s.log = opts.Log.With("component", typ.String()+"-sink")
	s.typ = typ
	s.opts = opts
	s.q = NewQueue()
	s.index = -1
}

func (s *sink) BindStream(desc media.StreamDescriptor, index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.desc = desc
	s.index = index
	s.bound = true
}

// open marks the sink open if the bound codec is one of codecs.
func (s *sink) open(codecs ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.bound {
		return ErrNotOpen
	}
	for _, c := range codecs {
		if s.desc.Codec == c {
			s.opened = true
			s.log.Info("opened", "stream", s.desc.String(), "language", s.desc.Language)
			return nil
		}
	}
	return ErrUnsupportedCodec
}

func (s *sink) Enqueue(pkt *media.Packet) {
	s.q.Push(pkt)
	s.opts.Stats.QueueDepth(s.typ, s.q.Len())
}

func (s *sink) Flush() {
	n := s.q.Flush()
	s.flushed.Add(int64(n))
	s.resync.Store(true)
	s.opts.Stats.QueueDepth(s.typ, 0)
	if n > 0 {
		s.log.Debug("flushed", "packets", n)
	}
}

func (s *sink) QueueDepth() int { return s.q.Len() }

func (s *sink) StreamIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index
}

// Stream returns the bound stream descriptor.
func (s *sink) Stream() media.StreamDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.desc
}

// SetDrainedFunc sets the callback invoked whenever the consumer takes a
// packet and leaves the queue below the high-water mark. Typically
// Demuxer.Notify. Call it before Run.
func (s *sink) SetDrainedFunc(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDrained = fn
}

// Flushed returns the number of packets discarded by Flush.
func (s *sink) Flushed() int64 { return s.flushed.Load() }

func (s *sink) run(ctx context.Context, consume func(*media.Packet)) error {
	s.mu.Lock()
	opened, onDrained := s.opened, s.onDrained
	s.mu.Unlock()
	if !opened {
		return ErrNotOpen
	}

	for {
		pkt, err := s.q.Pop(ctx)
		if err != nil {
			return nil
		}
		depth := s.q.Len()
		s.opts.Stats.QueueDepth(s.typ, depth)
		if depth < s.opts.HighWaterMark && onDrained != nil {
			onDrained()
		}

		if s.resync.Swap(false) || pkt.Discontinuity {
			s.pace.reset()
		}
		if s.opts.Realtime {
			if err := s.pace.wait(ctx, pkt.PTS); err != nil {
				return nil
			}
		}
		consume(pkt)
		s.opts.Stats.PacketConsumed(s.typ, len(pkt.Data))
	}
}

// pacer releases packets at the wall-clock rate of their timestamps. It is
// only used from the Run goroutine.
type pacer struct {
	anchored bool
	wall     time.Time
	pts      time.Duration
}

func (p *pacer) reset() { p.anchored = false }

func (p *pacer) wait(ctx context.Context, pts time.Duration) error {
	if !p.anchored || pts < p.pts {
		p.anchored = true
		p.wall = time.Now()
		p.pts = pts
		return nil
	}
	d := time.Until(p.wall.Add(pts - p.pts))
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
