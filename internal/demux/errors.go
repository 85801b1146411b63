package demux

import "errors"

// Open failures. Each is wrapped with the underlying cause.
var (
	ErrInvalidLocator   = errors.New("demux: invalid locator")
	ErrAllocationFailed = errors.New("demux: no driver for source")
	ErrCannotOpenInput  = errors.New("demux: cannot open input")
	ErrNoMediaStreams   = errors.New("demux: no audio or video streams")
	ErrNoStreamOpened   = errors.New("demux: no sink could be opened")
	ErrWorkerStart      = errors.New("demux: worker did not start")
	ErrAlreadyOpen      = errors.New("demux: already open")
)

var (
	// ErrPlaybackStarted is returned by SetStartTime once the worker has
	// passed its start gate.
	ErrPlaybackStarted = errors.New("demux: playback already started")
	// ErrStopped is the terminal reason after Stop.
	ErrStopped = errors.New("demux: stopped")
	// ErrReadFailed wraps a hard source error that ended the worker.
	ErrReadFailed = errors.New("demux: read failed")
)
