package decoder

import (
	"context"
	"sync"
	"time"

	"github.com/zsiec/tsdemux/internal/codec"
	"github.com/zsiec/tsdemux/internal/media"
)

// AudioStats summarizes what the audio consumer has seen.
type AudioStats struct {
	Packets    int64         `json:"packets"`
	Frames     int64         `json:"frames"`
	Bytes      int64         `json:"bytes"`
	Invalid    int64         `json:"invalid"`
	SampleRate int           `json:"sampleRate"`
	Channels   int           `json:"channels"`
	Duration   time.Duration `json:"duration"`
	LastPTS    time.Duration `json:"lastPts"`
}

// Audio consumes AAC packets carried as ADTS.
type Audio struct {
	sink

	statsMu sync.Mutex
	stats   AudioStats
}

// NewAudio creates an audio sink.
func NewAudio(opts Options) *Audio {
	a := &Audio{}
	a.init(media.MediaAudio, opts)
	return a
}

// Open accepts AAC streams only.
func (a *Audio) Open() error {
	return a.open("aac")
}

// Run drains the queue until ctx is done.
func (a *Audio) Run(ctx context.Context) error {
	return a.run(ctx, a.consume)
}

func (a *Audio) consume(pkt *media.Packet) {
	frames, err := codec.ParseADTS(pkt.Data)

	a.statsMu.Lock()
	defer a.statsMu.Unlock()
	a.stats.Packets++
	a.stats.Bytes += int64(len(pkt.Data))
	a.stats.LastPTS = pkt.PTS
	if err != nil || len(frames) == 0 {
		a.stats.Invalid++
		a.log.Debug("no ADTS frames", "pts", pkt.PTS, "error", err)
		return
	}
	for _, f := range frames {
		if f.SampleRate != a.stats.SampleRate || f.Channels != a.stats.Channels {
			a.log.Info("audio format", "sample_rate", f.SampleRate, "channels", f.Channels)
			a.stats.SampleRate = f.SampleRate
			a.stats.Channels = f.Channels
		}
		a.stats.Frames++
		a.stats.Duration += time.Duration(codec.SamplesPerFrame) * time.Second / time.Duration(f.SampleRate)
	}
}

// Stats returns a snapshot of the consumer counters.
func (a *Audio) Stats() AudioStats {
	a.statsMu.Lock()
	defer a.statsMu.Unlock()
	return a.stats
}
