package decoder

import (
	"context"
	"sync"
	"time"

	"github.com/zsiec/ccx"

	"github.com/zsiec/tsdemux/internal/codec"
	"github.com/zsiec/tsdemux/internal/media"
)

// VideoStats summarizes what the video consumer has seen.
type VideoStats struct {
	Packets   int64         `json:"packets"`
	Keyframes int64         `json:"keyframes"`
	Bytes     int64         `json:"bytes"`
	Width     int           `json:"width"`
	Height    int           `json:"height"`
	Codec     string        `json:"codec"`
	CCPairs   int64         `json:"ccPairs"`
	Captions  int64         `json:"captions"`
	LastPTS   time.Duration `json:"lastPts"`
}

// Video consumes H.264 and H.265 Annex B access units. It tracks keyframes
// and resolution and decodes CEA-608 captions carried in SEI.
type Video struct {
	sink

	onCaption func(*ccx.CaptionFrame)
	cea608    map[int]*ccx.CEA608Decoder

	statsMu sync.Mutex
	stats   VideoStats
}

// NewVideo creates a video sink. onCaption, if non-nil, receives each
// decoded caption update from the Run goroutine.
func NewVideo(opts Options, onCaption func(*ccx.CaptionFrame)) *Video {
	v := &Video{
		onCaption: onCaption,
		cea608: map[int]*ccx.CEA608Decoder{
			1: ccx.NewCEA608Decoder(),
			2: ccx.NewCEA608Decoder(),
			3: ccx.NewCEA608Decoder(),
			4: ccx.NewCEA608Decoder(),
		},
	}
	v.init(media.MediaVideo, opts)
	return v
}

// Open accepts H.264 and H.265 streams.
func (v *Video) Open() error {
	if err := v.open("h264", "h265"); err != nil {
		return err
	}
	v.statsMu.Lock()
	v.stats.Codec = v.Stream().Codec
	v.statsMu.Unlock()
	return nil
}

// Run drains the queue until ctx is done.
func (v *Video) Run(ctx context.Context) error {
	return v.run(ctx, v.consume)
}

func (v *Video) consume(pkt *media.Packet) {
	hevc := v.Stream().Codec == "h265"

	var units []codec.NALUnit
	if hevc {
		units = codec.ParseAnnexBHEVC(pkt.Data)
	} else {
		units = codec.ParseAnnexB(pkt.Data)
	}

	keyframe := false
	for _, nal := range units {
		switch {
		case !hevc && nal.Type == codec.NALTypeSPS:
			if info, err := codec.ParseSPS(nal.Data); err == nil {
				v.setResolution(info.Width, info.Height, info.CodecString())
			}
		case !hevc && codec.IsKeyframe(nal.Type), hevc && codec.IsHEVCKeyframe(nal.Type):
			keyframe = true
		case !hevc && nal.Type == codec.NALTypeSEI:
			v.handleCaptionSEI(nal.Data, pkt.PTS)
		case hevc && nal.Type == codec.HEVCNALSEIPrefix && len(nal.Data) > 2:
			v.handleCaptionSEI(nal.Data, pkt.PTS)
		}
	}

	v.statsMu.Lock()
	defer v.statsMu.Unlock()
	v.stats.Packets++
	v.stats.Bytes += int64(len(pkt.Data))
	v.stats.LastPTS = pkt.PTS
	if keyframe {
		v.stats.Keyframes++
	}
}

func (v *Video) setResolution(w, h int, codecString string) {
	v.statsMu.Lock()
	defer v.statsMu.Unlock()
	if w == v.stats.Width && h == v.stats.Height {
		return
	}
	v.stats.Width, v.stats.Height = w, h
	v.log.Info("resolution", "width", w, "height", h, "codec", codecString)
}

func (v *Video) handleCaptionSEI(sei []byte, pts time.Duration) {
	cd := ccx.ExtractCaptions(sei)
	if cd == nil {
		return
	}
	for _, pair := range cd.CC608Pairs {
		v.statsMu.Lock()
		v.stats.CCPairs++
		v.statsMu.Unlock()

		dec := v.cea608[pair.Channel]
		if dec == nil {
			continue
		}
		text := dec.Decode(pair.Data[0], pair.Data[1])
		if text == "" {
			continue
		}
		v.statsMu.Lock()
		v.stats.Captions++
		v.statsMu.Unlock()
		v.opts.Stats.Caption(pair.Channel)
		if v.onCaption != nil {
			v.onCaption(&ccx.CaptionFrame{PTS: media.ToTicks(pts), Text: text, Channel: pair.Channel})
		}
	}
}

// Stats returns a snapshot of the consumer counters.
func (v *Video) Stats() VideoStats {
	v.statsMu.Lock()
	defer v.statsMu.Unlock()
	return v.stats
}
