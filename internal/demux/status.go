package demux

import "github.com/zsiec/tsdemux/internal/media"

// SinkStatus describes one bound sink.
type SinkStatus struct {
	Type        string `json:"type"`
	StreamIndex int    `json:"streamIndex"`
	QueueDepth  int    `json:"queueDepth"`
}

// Status is a point-in-time snapshot of a Demuxer.
type Status struct {
	Locator       string       `json:"locator"`
	Opened        bool         `json:"opened"`
	Started       bool         `json:"started"`
	Paused        bool         `json:"paused"`
	Stopped       bool         `json:"stopped"`
	SeekPending   bool         `json:"seekPending"`
	ReadFinished  bool         `json:"readFinished"`
	Done          bool         `json:"done"`
	Error         string       `json:"error,omitempty"`
	HighWaterMark int          `json:"highWaterMark"`
	Sinks         []SinkStatus `json:"sinks"`
}

// Status returns a snapshot of the control flags and sink depths.
func (d *Demuxer) Status() Status {
	d.mu.Lock()
	sinks := d.sinks
	locator := d.locator
	d.mu.Unlock()

	st := Status{
		Locator:       locator,
		Opened:        d.opened.Load(),
		Started:       d.started.Load(),
		Paused:        d.paused.Load(),
		Stopped:       d.aborted.Load(),
		SeekPending:   d.seek.Load() != nil,
		ReadFinished:  d.readFinished.Load(),
		HighWaterMark: d.cfg.HighWaterMark,
		Sinks:         []SinkStatus{},
	}
	select {
	case <-d.done:
		st.Done = true
		if d.err != nil {
			st.Error = d.err.Error()
		}
	default:
	}
	for _, b := range sinks {
		if b.index < 0 {
			continue
		}
		st.Sinks = append(st.Sinks, SinkStatus{
			Type:        b.typ.String(),
			StreamIndex: b.index,
			QueueDepth:  b.sink.QueueDepth(),
		})
	}
	return st
}

// BoundStream returns the stream index bound to the sink of type t, or -1.
func (d *Demuxer) BoundStream(t media.MediaType) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, b := range d.sinks {
		if b.typ == t {
			return b.index
		}
	}
	return -1
}
