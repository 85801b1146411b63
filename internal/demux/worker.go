package demux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/zsiec/tsdemux/internal/media"
	"github.com/zsiec/tsdemux/internal/source"
)

// run is the worker. It owns r until it returns.
func (d *Demuxer) run(r source.Reader, h handoff) {
	if d.beforeReady != nil {
		d.beforeReady()
	}
	close(h.ready)
	if !<-h.admit {
		if err := r.Close(); err != nil {
			d.log.Warn("closing source", "error", err)
		}
		close(h.released)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-d.abort:
			cancel()
		case <-ctx.Done():
		}
	}()

	var err error
	defer func() { d.shutdown(r, err) }()

	select {
	case <-d.prepared:
	case <-d.abort:
		return
	}

	if pos, ok := d.takeStartTime(); ok {
		target := pos + r.StartTime()
		serr := r.Seek(ctx, target)
		d.cfg.Stats.Seek(serr)
		if serr != nil {
			d.log.Warn("start seek failed", "position", pos, "error", serr)
		} else {
			d.log.Info("start seek", "position", pos)
		}
	}

	err = d.loop(ctx, r)
}

func (d *Demuxer) loop(ctx context.Context, r source.Reader) error {
	lastPaused := true
	for {
		if d.aborted.Load() {
			return nil
		}

		paused := d.paused.Load()
		if paused != lastPaused {
			lastPaused = paused
			if paused {
				r.SuspendReadAhead()
				d.log.Debug("paused")
			} else {
				r.ResumeReadAhead()
				d.log.Debug("resumed")
			}
		}

		if req := d.seek.Load(); req != nil {
			d.handleSeek(ctx, r, req)
			d.seek.CompareAndSwap(req, nil)
		}

		if paused {
			d.sleep(d.cfg.PollInterval)
			continue
		}

		// Arm before checking so a Notify racing the check still wakes us.
		wake := d.signal.arm()
		if d.saturated() {
			notified := d.signal.wait(wake, d.cfg.BackpressureTimeout, d.abort)
			d.cfg.Stats.BackpressureWait(notified)
			continue
		}

		pkt, err := r.ReadPacket()
		switch {
		case err == nil:
			d.readFinished.Store(false)
			d.cfg.Stats.PacketRead()
			d.route(pkt)
			continue
		case errors.Is(err, io.EOF):
			if !d.readFinished.Swap(true) {
				d.log.Info("end of stream")
				if d.cfg.OnEndOfStream != nil {
					d.cfg.OnEndOfStream()
				}
			}
		case errors.Is(err, source.ErrWouldBlock):
			d.cfg.Stats.ReadRetry()
		default:
			return fmt.Errorf("%w: %v", ErrReadFailed, err)
		}
		d.signal.wait(wake, d.cfg.PollInterval, d.abort)
	}
}

// route hands pkt to exactly one sink, or drops it.
func (d *Demuxer) route(pkt *media.Packet) {
	for i := range d.sinks {
		b := &d.sinks[i]
		if b.index >= 0 && pkt.StreamIndex == b.index {
			b.sink.Enqueue(pkt)
			d.cfg.Stats.PacketRouted(b.typ)
			return
		}
	}
	d.cfg.Stats.PacketDiscarded()
}

// saturated reports whether every sink is at or above the high-water mark.
// Unbound sinks count as full.
func (d *Demuxer) saturated() bool {
	for i := range d.sinks {
		b := &d.sinks[i]
		if b.index >= 0 && b.sink.QueueDepth() < d.cfg.HighWaterMark {
			return false
		}
	}
	return true
}

func (d *Demuxer) flushSinks() {
	for i := range d.sinks {
		b := &d.sinks[i]
		if b.index >= 0 {
			b.sink.Flush()
			d.cfg.Stats.SinkFlushed(b.typ)
		}
	}
}

func (d *Demuxer) handleSeek(ctx context.Context, r source.Reader, req *seekRequest) {
	d.flushSinks()
	err := r.Seek(ctx, req.position+r.StartTime())
	d.cfg.Stats.Seek(err)
	switch {
	case errors.Is(err, source.ErrNotSeekable):
		d.log.Info("seek ignored, source is live", "position", req.position)
	case err != nil:
		d.log.Warn("seek failed", "position", req.position, "error", err)
	default:
		d.log.Info("seeked", "position", req.position)
	}
	d.readFinished.Store(false)
}

// sleep waits for dur or until Stop.
func (d *Demuxer) sleep(dur time.Duration) {
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-t.C:
	case <-d.abort:
	}
}

func (d *Demuxer) shutdown(r source.Reader, err error) {
	if cerr := r.Close(); cerr != nil {
		d.log.Warn("closing source", "error", cerr)
	}
	d.flushSinks()

	if err == nil {
		err = ErrStopped
		d.log.Info("worker stopped")
	} else {
		d.log.Error("worker failed", "error", err)
	}
	d.err = err
	close(d.done)
}
