// Package demux coordinates one opened container: a single worker goroutine
// reads packets from a [source.Reader] and routes each one to the audio or
// video [Sink] bound to its stream, while callers steer it through the
// control methods of [Demuxer] (Start, Pause, Stop, Notify, SetStartTime,
// RequestSeek).
//
// The worker stops reading whenever every bound sink is at or above the
// high-water mark and resumes when a consumer calls Notify or a safety
// timeout elapses. Every suspension point also watches Stop.
package demux
