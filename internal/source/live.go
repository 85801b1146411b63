package source

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

const (
	liveChunkSize  = 7 * 188 * 8
	liveQueueDepth = 256
)

// liveFeed decouples a blocking network reader from the demuxer. A pump
// goroutine reads chunks into a bounded channel; Read never blocks and
// reports ErrWouldBlock when nothing is buffered.
type liveFeed struct {
	log *slog.Logger
	src io.ReadCloser

	chunks chan []byte
	cur    []byte

	mu      sync.Mutex
	resume  chan struct{} // non-nil while suspended
	closed  chan struct{}
	closeMu sync.Once

	done chan struct{}
	err  error // valid once done is closed
}

func newLiveFeed(log *slog.Logger, src io.ReadCloser) *liveFeed {
	f := &liveFeed{
		log:    log,
		src:    src,
		chunks: make(chan []byte, liveQueueDepth),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go f.pump()
	return f
}

func (f *liveFeed) pump() {
	defer close(f.done)
	for {
		if !f.waitResumed() {
			return
		}
		buf := make([]byte, liveChunkSize)
		n, err := f.src.Read(buf)
		if n > 0 {
			select {
			case f.chunks <- buf[:n]:
			case <-f.closed:
				return
			}
		}
		if err != nil {
			f.err = err
			return
		}
	}
}

// waitResumed blocks while the feed is suspended. It returns false once the
// feed is closed.
func (f *liveFeed) waitResumed() bool {
	f.mu.Lock()
	gate := f.resume
	f.mu.Unlock()
	if gate == nil {
		select {
		case <-f.closed:
			return false
		default:
			return true
		}
	}
	select {
	case <-gate:
		return true
	case <-f.closed:
		return false
	}
}

func (f *liveFeed) Read(p []byte) (int, error) {
	if len(f.cur) == 0 {
		select {
		case c := <-f.chunks:
			f.cur = c
		default:
			select {
			case <-f.done:
				select {
				case c := <-f.chunks:
					f.cur = c
				default:
					return 0, f.finalErr()
				}
			default:
				return 0, ErrWouldBlock
			}
		}
	}
	n := copy(p, f.cur)
	f.cur = f.cur[n:]
	return n, nil
}

func (f *liveFeed) finalErr() error {
	select {
	case <-f.closed:
		return io.EOF
	default:
	}
	if f.err == nil || errors.Is(f.err, io.EOF) {
		return io.EOF
	}
	return fmt.Errorf("%w: %v", ErrIO, f.err)
}

// Suspend stops the pump after its current read.
func (f *liveFeed) Suspend() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resume == nil {
		f.resume = make(chan struct{})
		f.log.Debug("read-ahead suspended")
	}
}

func (f *liveFeed) Resume() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resume != nil {
		close(f.resume)
		f.resume = nil
		f.log.Debug("read-ahead resumed")
	}
}

// Close stops the pump and closes the underlying connection.
func (f *liveFeed) Close() error {
	var err error
	f.closeMu.Do(func() {
		close(f.closed)
		err = f.src.Close()
	})
	return err
}
