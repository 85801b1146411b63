package demux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/tsdemux/internal/media"
	"github.com/zsiec/tsdemux/internal/source"
)

// eventLog records sink and reader calls in the order they happen.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

type fakeReader struct {
	mu       sync.Mutex
	streams  []media.StreamDescriptor
	start    time.Duration
	packets  []*media.Packet
	pos      int
	endless  bool // alternate stream 0 and 1 forever
	failAt   int  // position of a hard error, -1 for none
	blockN   int  // ErrWouldBlock results before the first packet
	seekErr  error
	log      *eventLog
	reads    int
	seeks    []time.Duration
	suspends int
	resumes  int
	closed   int
}

func newFakeReader(streams ...media.StreamDescriptor) *fakeReader {
	return &fakeReader{streams: streams, failAt: -1}
}

func avStreams() []media.StreamDescriptor {
	return []media.StreamDescriptor{
		{Index: 0, Type: media.MediaAudio, Codec: "aac"},
		{Index: 1, Type: media.MediaVideo, Codec: "h264"},
	}
}

func (r *fakeReader) Streams() []media.StreamDescriptor { return r.streams }
func (r *fakeReader) StartTime() time.Duration          { return r.start }

func (r *fakeReader) ReadPacket() (*media.Packet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.blockN > 0 {
		r.blockN--
		return nil, source.ErrWouldBlock
	}
	if r.failAt >= 0 && r.pos == r.failAt {
		return nil, fmt.Errorf("%w: connection reset", source.ErrIO)
	}
	if r.endless {
		r.reads++
		pkt := &media.Packet{StreamIndex: r.pos % 2, Data: []byte{byte(r.pos)}}
		r.pos++
		return pkt, nil
	}
	if r.pos >= len(r.packets) {
		return nil, io.EOF
	}
	r.reads++
	pkt := r.packets[r.pos]
	r.pos++
	return pkt, nil
}

func (r *fakeReader) Seek(_ context.Context, target time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seeks = append(r.seeks, target)
	r.log.add("seek")
	if r.seekErr != nil {
		return r.seekErr
	}
	r.pos = 0
	return nil
}

func (r *fakeReader) SuspendReadAhead() {
	r.mu.Lock()
	r.suspends++
	r.mu.Unlock()
}

func (r *fakeReader) ResumeReadAhead() {
	r.mu.Lock()
	r.resumes++
	r.mu.Unlock()
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	r.closed++
	r.mu.Unlock()
	return nil
}

func (r *fakeReader) stat(f func(*fakeReader) int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return f(r)
}

func (r *fakeReader) readCount() int { return r.stat(func(r *fakeReader) int { return r.reads }) }

// fakeOpener hands out r for every scheme except "none".
type fakeOpener struct {
	r       *fakeReader
	openErr error
	delay   time.Duration // ignores the open context
}

func (o *fakeOpener) Allocate(scheme string) (source.Driver, error) {
	if scheme == "none" {
		return nil, source.ErrNoDriver
	}
	return source.DriverFunc(func(context.Context, *source.Locator) (source.Reader, error) {
		time.Sleep(o.delay)
		if o.openErr != nil {
			return nil, o.openErr
		}
		return o.r, nil
	}), nil
}

type fakeSink struct {
	name    string
	openErr error
	log     *eventLog
	// full receives a value whenever QueueDepth reports at least fullAt.
	full   chan struct{}
	fullAt int

	mu       sync.Mutex
	desc     media.StreamDescriptor
	index    int
	queue    []*media.Packet
	received []*media.Packet
	flushes  int
}

func newFakeSink(name string) *fakeSink {
	return &fakeSink{name: name, index: -1}
}

func (s *fakeSink) BindStream(desc media.StreamDescriptor, index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.desc = desc
	s.index = index
}

func (s *fakeSink) Open() error { return s.openErr }

func (s *fakeSink) Enqueue(pkt *media.Packet) {
	s.mu.Lock()
	s.queue = append(s.queue, pkt)
	s.received = append(s.received, pkt)
	s.mu.Unlock()
	s.log.add("enqueue:" + s.name)
}

func (s *fakeSink) Flush() {
	s.mu.Lock()
	s.queue = nil
	s.flushes++
	s.mu.Unlock()
	s.log.add("flush:" + s.name)
}

func (s *fakeSink) QueueDepth() int {
	s.mu.Lock()
	n := len(s.queue)
	s.mu.Unlock()
	if s.full != nil && n >= s.fullAt {
		select {
		case s.full <- struct{}{}:
		default:
		}
	}
	return n
}

func (s *fakeSink) StreamIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index
}

func (s *fakeSink) drain() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.queue)
	s.queue = nil
	return n
}

func (s *fakeSink) receivedCopy() []*media.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*media.Packet(nil), s.received...)
}

func (s *fakeSink) flushCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushes
}

type fakeStats struct {
	mu          sync.Mutex
	read        int
	routed      map[media.MediaType]int
	discarded   int
	retries     int
	waits       int
	notifiedWts int
	seeks       int
	seekErrs    int
}

func newFakeStats() *fakeStats { return &fakeStats{routed: map[media.MediaType]int{}} }

func (f *fakeStats) PacketRead() { f.mu.Lock(); f.read++; f.mu.Unlock() }
func (f *fakeStats) PacketRouted(t media.MediaType) {
	f.mu.Lock()
	f.routed[t]++
	f.mu.Unlock()
}
func (f *fakeStats) PacketDiscarded() { f.mu.Lock(); f.discarded++; f.mu.Unlock() }
func (f *fakeStats) ReadRetry()       { f.mu.Lock(); f.retries++; f.mu.Unlock() }
func (f *fakeStats) BackpressureWait(notified bool) {
	f.mu.Lock()
	f.waits++
	if notified {
		f.notifiedWts++
	}
	f.mu.Unlock()
}
func (f *fakeStats) SinkFlushed(media.MediaType) {}
func (f *fakeStats) Seek(err error) {
	f.mu.Lock()
	f.seeks++
	if err != nil {
		f.seekErrs++
	}
	f.mu.Unlock()
}

func (f *fakeStats) get(fn func(*fakeStats) int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fn(f)
}

// waitFor polls cond until it holds or fails the test after two seconds.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func waitDone(t *testing.T, d *Demuxer) {
	t.Helper()
	select {
	case <-d.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit")
	}
}

var errSinkOpen = errors.New("unsupported codec")
