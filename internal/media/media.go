// Package media defines the stream and packet types that flow from the
// source readers through the demux coordinator into the decoder sinks.
package media

import (
	"fmt"
	"time"
)

// MediaType classifies an elementary stream.
type MediaType int

// Elementary stream classes. Only Audio and Video streams can be bound to a
// sink; Data streams are enumerated but their packets are discarded.
const (
	MediaUnknown MediaType = iota
	MediaAudio
	MediaVideo
	MediaData
)

func (t MediaType) String() string {
	switch t {
	case MediaAudio:
		return "audio"
	case MediaVideo:
		return "video"
	case MediaData:
		return "data"
	default:
		return "unknown"
	}
}

// StreamDescriptor describes one elementary stream found in a container.
// Index is the container-assigned stream index packets are tagged with.
type StreamDescriptor struct {
	Index      int
	PID        uint16
	Type       MediaType
	Codec      string // "aac", "h264", "h265", ...
	StreamType uint8
	Language   string
}

func (d StreamDescriptor) String() string {
	return fmt.Sprintf("#%d %s/%s pid=0x%X", d.Index, d.Type, d.Codec, d.PID)
}

// Packet is one undecoded, timestamped unit of one elementary stream.
// A Packet is owned by exactly one holder at a time: the reader hands it to
// the coordinator, which hands it to a sink or drops it.
type Packet struct {
	StreamIndex int
	PTS         time.Duration
	DTS         time.Duration
	Data        []byte
	// Discontinuity marks the first packet of a stream read after a seek.
	Discontinuity bool
}

// FromTicks converts a 90 kHz clock value to a duration.
func FromTicks(ticks int64) time.Duration {
	return time.Duration(ticks * 100000 / 9)
}

// ToTicks converts a duration to the 90 kHz clock.
func ToTicks(d time.Duration) int64 {
	return int64(d) * 9 / 100000
}
