// Package pipeline owns one playback session: the source registry, the
// demux coordinator, the audio and video sinks and their metrics.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/zsiec/ccx"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/tsdemux/internal/decoder"
	"github.com/zsiec/tsdemux/internal/demux"
	"github.com/zsiec/tsdemux/internal/media"
	"github.com/zsiec/tsdemux/internal/metrics"
	"github.com/zsiec/tsdemux/internal/source"
)

// ErrNotOpened is returned by Run when Open has not succeeded.
var ErrNotOpened = errors.New("pipeline: not opened")

const drainPoll = 20 * time.Millisecond

// Config configures a Pipeline. Zero values are usable.
type Config struct {
	Log *slog.Logger
	// Registry receives the session's collectors. A fresh registry is
	// created when nil.
	Registry *prometheus.Registry
	// Opener resolves locator schemes. Defaults to source.DefaultRegistry.
	Opener demux.Opener

	HighWaterMark int
	// StartAt, when positive, is applied with SetStartTime before Open.
	StartAt time.Duration
	// Realtime paces the sinks at the rate of the packet timestamps.
	Realtime bool
	// ExitOnEOF makes Run return once the source reached its end and
	// every sink drained.
	ExitOnEOF bool
	// OnCaption receives decoded CEA-608 caption updates.
	OnCaption func(*ccx.CaptionFrame)
}

// Snapshot is a point-in-time view of a session, served by the control API.
type Snapshot struct {
	SessionID   string             `json:"sessionId"`
	Timestamp   int64              `json:"timestamp"`
	UptimeMs    int64              `json:"uptimeMs"`
	EndOfStream int64              `json:"endOfStream"`
	LastCaption string             `json:"lastCaption,omitempty"`
	Demux       demux.Status       `json:"demux"`
	Audio       decoder.AudioStats `json:"audio"`
	Video       decoder.VideoStats `json:"video"`
}

// Pipeline bridges a source and the two sinks through a demux.Demuxer.
type Pipeline struct {
	log       *slog.Logger
	id        string
	cfg       Config
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	demuxer   *demux.Demuxer
	audio     *decoder.Audio
	video     *decoder.Video
	startTime time.Time

	opened      atomic.Bool
	eosCount    atomic.Int64
	lastCaption atomic.String
}

// New creates a session. Nothing is opened until Open.
func New(cfg Config) *Pipeline {
	id := uuid.NewString()
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("session", id)

	reg := cfg.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	opener := cfg.Opener
	if opener == nil {
		opener = source.DefaultRegistry(log)
	}

	p := &Pipeline{
		log:       log.With("component", "pipeline"),
		id:        id,
		cfg:       cfg,
		registry:  reg,
		metrics:   metrics.New(reg),
		startTime: time.Now(),
	}

	sinkOpts := decoder.Options{
		Log:           log,
		HighWaterMark: cfg.HighWaterMark,
		Realtime:      cfg.Realtime,
		Stats:         p.metrics,
	}
	p.audio = decoder.NewAudio(sinkOpts)
	p.video = decoder.NewVideo(sinkOpts, p.handleCaption)

	p.demuxer = demux.New(opener, p.audio, p.video, demux.Config{
		HighWaterMark: cfg.HighWaterMark,
		Log:           log,
		Stats:         p.metrics,
		OnEndOfStream: p.handleEndOfStream,
	})
	p.audio.SetDrainedFunc(p.demuxer.Notify)
	p.video.SetDrainedFunc(p.demuxer.Notify)
	return p
}

// ID returns the session ID attached to every log line of the session.
func (p *Pipeline) ID() string { return p.id }

// Gatherer returns the registry holding the session's collectors.
func (p *Pipeline) Gatherer() prometheus.Gatherer { return p.registry }

// Open opens locator and binds the sinks. The worker stays paused until
// Start.
func (p *Pipeline) Open(ctx context.Context, locator string) error {
	if p.cfg.StartAt > 0 {
		if err := p.demuxer.SetStartTime(p.cfg.StartAt); err != nil {
			return err
		}
	}
	if err := p.demuxer.Open(ctx, locator); err != nil {
		return err
	}
	p.opened.Store(true)
	p.log.Info("session opened",
		"locator", locator,
		"audio_stream", p.demuxer.BoundStream(media.MediaAudio),
		"video_stream", p.demuxer.BoundStream(media.MediaVideo),
	)
	return nil
}

// Run drives the bound sinks until ctx is done, the worker exits, or, with
// ExitOnEOF, the stream ended and drained. The worker is stopped and joined
// before Run returns. A read failure is returned; a stop is not.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.opened.Load() {
		return ErrNotOpened
	}

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(sctx)

	if p.demuxer.BoundStream(media.MediaAudio) >= 0 {
		g.Go(func() error { return p.audio.Run(gctx) })
	}
	if p.demuxer.BoundStream(media.MediaVideo) >= 0 {
		g.Go(func() error { return p.video.Run(gctx) })
	}
	g.Go(func() error {
		defer cancel()
		return p.wait(gctx)
	})
	return g.Wait()
}

func (p *Pipeline) wait(ctx context.Context) error {
	var tick <-chan time.Time
	if p.cfg.ExitOnEOF {
		t := time.NewTicker(drainPoll)
		defer t.Stop()
		tick = t.C
	}

loop:
	for {
		select {
		case <-ctx.Done():
			p.log.Info("session cancelled")
			break loop
		case <-p.demuxer.Done():
			break loop
		case <-tick:
			if p.drainedAtEOF() {
				p.log.Info("end of stream drained")
				break loop
			}
		}
	}

	p.demuxer.Close()
	err := p.demuxer.Err()
	p.log.Info("session finished", "error", err, "uptime", time.Since(p.startTime).Round(time.Millisecond))
	if errors.Is(err, demux.ErrStopped) {
		return nil
	}
	return err
}

func (p *Pipeline) drainedAtEOF() bool {
	if p.eosCount.Load() == 0 {
		return false
	}
	st := p.demuxer.Status()
	if !st.ReadFinished {
		return false
	}
	for _, s := range st.Sinks {
		if s.QueueDepth > 0 {
			return false
		}
	}
	return true
}

func (p *Pipeline) handleEndOfStream() {
	n := p.eosCount.Add(1)
	p.log.Info("end of stream", "count", n)
}

func (p *Pipeline) handleCaption(f *ccx.CaptionFrame) {
	p.lastCaption.Store(f.Text)
	p.log.Debug("caption", "channel", f.Channel, "pts", f.PTS, "text", f.Text)
	if p.cfg.OnCaption != nil {
		p.cfg.OnCaption(f)
	}
}

// Snapshot returns the session state for the control API.
func (p *Pipeline) Snapshot() Snapshot {
	return Snapshot{
		SessionID:   p.id,
		Timestamp:   time.Now().UnixMilli(),
		UptimeMs:    time.Since(p.startTime).Milliseconds(),
		EndOfStream: p.eosCount.Load(),
		LastCaption: p.lastCaption.Load(),
		Demux:       p.demuxer.Status(),
		Audio:       p.audio.Stats(),
		Video:       p.video.Stats(),
	}
}

func (p *Pipeline) Start()  { p.demuxer.Start() }
func (p *Pipeline) Pause()  { p.demuxer.Pause() }
func (p *Pipeline) Stop()   { p.demuxer.Stop() }
func (p *Pipeline) Notify() { p.demuxer.Notify() }

// RequestSeek flushes both sinks and repositions the source at pos,
// relative to the start of the stream.
func (p *Pipeline) RequestSeek(pos time.Duration) {
	p.log.Info("seek requested", "position", pos)
	p.demuxer.RequestSeek(pos)
}

// Close stops the worker and waits for it.
func (p *Pipeline) Close() error { return p.demuxer.Close() }
