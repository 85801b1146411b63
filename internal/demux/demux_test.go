package demux

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/zsiec/tsdemux/internal/media"
)

func testConfig() Config {
	return Config{
		HighWaterMark:       1000,
		PollInterval:        time.Millisecond,
		BackpressureTimeout: 20 * time.Millisecond,
		OpenTimeout:         time.Second,
	}
}

func openDemuxer(t *testing.T, r *fakeReader, audio, video Sink, cfg Config) *Demuxer {
	t.Helper()
	d := New(&fakeOpener{r: r}, audio, video, cfg)
	if err := d.Open(context.Background(), "mem://test"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

// interleaved builds packets for the given stream index sequence. Data[0]
// is the read position.
func interleaved(indices ...int) []*media.Packet {
	pkts := make([]*media.Packet, len(indices))
	for i, idx := range indices {
		pkts[i] = &media.Packet{StreamIndex: idx, PTS: time.Duration(i) * time.Millisecond, Data: []byte{byte(i)}}
	}
	return pkts
}

func TestOpenErrors(t *testing.T) {
	t.Parallel()

	dataOnly := []media.StreamDescriptor{{Index: 0, Type: media.MediaData, Codec: "scte35"}}
	failing := func() *fakeSink {
		s := newFakeSink("x")
		s.openErr = errSinkOpen
		return s
	}

	tests := []struct {
		name    string
		locator string
		opener  *fakeOpener
		audio   Sink
		video   Sink
		want    error
		closed  bool
	}{
		{name: "empty locator", locator: "", opener: &fakeOpener{r: newFakeReader(avStreams()...)}, want: ErrInvalidLocator},
		{name: "no driver", locator: "none://x", opener: &fakeOpener{r: newFakeReader(avStreams()...)}, want: ErrAllocationFailed},
		{name: "input fails", locator: "mem://x", opener: &fakeOpener{openErr: errors.New("refused")}, want: ErrCannotOpenInput},
		{name: "no media streams", locator: "mem://x", opener: &fakeOpener{r: newFakeReader(dataOnly...)}, audio: newFakeSink("a"), want: ErrNoMediaStreams, closed: true},
		{name: "no sinks", locator: "mem://x", opener: &fakeOpener{r: newFakeReader(avStreams()...)}, want: ErrNoStreamOpened, closed: true},
		{name: "sinks fail", locator: "mem://x", opener: &fakeOpener{r: newFakeReader(avStreams()...)}, audio: failing(), video: failing(), want: ErrNoStreamOpened, closed: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := New(tt.opener, tt.audio, tt.video, testConfig())
			err := d.Open(context.Background(), tt.locator)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Open: got %v, want %v", err, tt.want)
			}
			if tt.closed && tt.opener.r.stat(func(r *fakeReader) int { return r.closed }) != 1 {
				t.Error("expected reader to be closed after failed open")
			}
			if d.Status().Opened {
				t.Error("failed open must leave the demuxer closed")
			}
		})
	}
}

func TestOpenRetryAfterFailure(t *testing.T) {
	t.Parallel()

	opener := &fakeOpener{openErr: errors.New("refused")}
	d := New(opener, newFakeSink("audio"), nil, testConfig())
	if err := d.Open(context.Background(), "mem://x"); !errors.Is(err, ErrCannotOpenInput) {
		t.Fatalf("first Open: got %v", err)
	}
	opener.openErr = nil
	opener.r = newFakeReader(avStreams()...)
	if err := d.Open(context.Background(), "mem://x"); err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer d.Close()
	if err := d.Open(context.Background(), "mem://x"); !errors.Is(err, ErrAlreadyOpen) {
		t.Errorf("third Open: got %v, want ErrAlreadyOpen", err)
	}
}

func TestSlowDriverStillStarts(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.OpenTimeout = 20 * time.Millisecond
	opener := &fakeOpener{r: newFakeReader(avStreams()...), delay: 40 * time.Millisecond}
	d := New(opener, newFakeSink("audio"), newFakeSink("video"), cfg)
	if err := d.Open(context.Background(), "mem://x"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()
	if !d.Status().Opened {
		t.Error("Opened: got false, want true")
	}
}

func TestWorkerStartTimeout(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.OpenTimeout = 10 * time.Millisecond
	first := newFakeReader(avStreams()...)
	opener := &fakeOpener{r: first}
	audio := newFakeSink("audio")
	d := New(opener, audio, nil, cfg)
	d.beforeReady = func() { time.Sleep(100 * time.Millisecond) }

	if err := d.Open(context.Background(), "mem://x"); !errors.Is(err, ErrWorkerStart) {
		t.Fatalf("first Open: got %v, want ErrWorkerStart", err)
	}
	if n := first.stat(func(r *fakeReader) int { return r.closed }); n != 1 {
		t.Errorf("reader closes: got %d, want 1", n)
	}
	st := d.Status()
	if st.Opened || st.Locator != "" || len(st.Sinks) != 0 {
		t.Errorf("status after failed start: opened=%v locator=%q sinks=%d", st.Opened, st.Locator, len(st.Sinks))
	}
	if st.Stopped {
		t.Error("a failed start must not stop the demuxer")
	}

	d.beforeReady = nil
	second := newFakeReader(avStreams()...)
	second.packets = interleaved(0, 0)
	opener.r = second
	if err := d.Open(context.Background(), "mem://x"); err != nil {
		t.Fatalf("retry Open: %v", err)
	}
	defer d.Close()
	d.Start()
	waitFor(t, "audio packets", func() bool { return len(audio.receivedCopy()) == 2 })
	if n := first.readCount(); n != 0 {
		t.Errorf("reads from the rejected reader: got %d, want 0", n)
	}
}

func TestOpenPartialSinkFailure(t *testing.T) {
	t.Parallel()

	r := newFakeReader(avStreams()...)
	r.packets = interleaved(0, 1, 0, 1)
	audio := newFakeSink("audio")
	audio.openErr = errSinkOpen
	video := newFakeSink("video")
	stats := newFakeStats()
	cfg := testConfig()
	cfg.Stats = stats
	d := openDemuxer(t, r, audio, video, cfg)

	if got := d.BoundStream(media.MediaAudio); got != -1 {
		t.Errorf("audio binding: got %d, want -1", got)
	}
	if got := d.BoundStream(media.MediaVideo); got != 1 {
		t.Errorf("video binding: got %d, want 1", got)
	}

	d.Start()
	waitFor(t, "all reads", func() bool { return r.readCount() == 4 })
	waitFor(t, "routing", func() bool { return stats.get(func(s *fakeStats) int { return s.discarded }) == 2 })
	if n := len(audio.receivedCopy()); n != 0 {
		t.Errorf("failed sink received %d packets", n)
	}
	if n := len(video.receivedCopy()); n != 2 {
		t.Errorf("video received %d, want 2", n)
	}
}

func TestBindsFirstStreamOfEachType(t *testing.T) {
	t.Parallel()

	r := newFakeReader(
		media.StreamDescriptor{Index: 0, Type: media.MediaData},
		media.StreamDescriptor{Index: 1, Type: media.MediaVideo, Codec: "h264"},
		media.StreamDescriptor{Index: 2, Type: media.MediaAudio, Codec: "aac", Language: "eng"},
		media.StreamDescriptor{Index: 3, Type: media.MediaAudio, Codec: "aac", Language: "spa"},
	)
	audio, video := newFakeSink("audio"), newFakeSink("video")
	openDemuxer(t, r, audio, video, testConfig())

	if audio.StreamIndex() != 2 || audio.desc.Language != "eng" {
		t.Errorf("audio bound to %d (%s), want 2 (eng)", audio.StreamIndex(), audio.desc.Language)
	}
	if video.StreamIndex() != 1 {
		t.Errorf("video bound to %d, want 1", video.StreamIndex())
	}
}

// Six audio and four video packets with a high-water mark of three: the
// worker must block once both queues hold three packets, and resume when
// the consumer drains and notifies.
func TestSixAudioFourVideo(t *testing.T) {
	t.Parallel()

	r := newFakeReader(avStreams()...)
	r.packets = interleaved(0, 1, 0, 1, 0, 0, 1, 0, 1, 0)
	audio, video := newFakeSink("audio"), newFakeSink("video")
	video.full = make(chan struct{}, 1)
	video.fullAt = 3

	stats := newFakeStats()
	cfg := testConfig()
	cfg.HighWaterMark = 3
	cfg.BackpressureTimeout = time.Hour
	cfg.Stats = stats
	d := openDemuxer(t, r, audio, video, cfg)

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-video.full:
				audio.drain()
				video.drain()
				d.Notify()
			case <-done:
				return
			}
		}
	}()

	d.Start()
	waitFor(t, "ten packets", func() bool {
		return len(audio.receivedCopy())+len(video.receivedCopy()) == 10
	})

	gotAudio, gotVideo := audio.receivedCopy(), video.receivedCopy()
	if len(gotAudio) != 6 {
		t.Errorf("audio enqueues: got %d, want 6", len(gotAudio))
	}
	if len(gotVideo) != 4 {
		t.Errorf("video enqueues: got %d, want 4", len(gotVideo))
	}
	for name, pkts := range map[string][]*media.Packet{"audio": gotAudio, "video": gotVideo} {
		for i := 1; i < len(pkts); i++ {
			if pkts[i].Data[0] <= pkts[i-1].Data[0] {
				t.Errorf("%s: packet %d read at %d after %d", name, i, pkts[i].Data[0], pkts[i-1].Data[0])
			}
		}
	}
	for _, p := range gotAudio {
		if p.StreamIndex != 0 {
			t.Errorf("audio sink got stream %d", p.StreamIndex)
		}
	}
	for _, p := range gotVideo {
		if p.StreamIndex != 1 {
			t.Errorf("video sink got stream %d", p.StreamIndex)
		}
	}
	if n := stats.get(func(s *fakeStats) int { return s.notifiedWts }); n < 1 {
		t.Errorf("notified backpressure waits: got %d, want >= 1", n)
	}
}

func TestBackpressureBound(t *testing.T) {
	t.Parallel()

	r := newFakeReader(avStreams()...)
	r.endless = true
	audio, video := newFakeSink("audio"), newFakeSink("video")
	stats := newFakeStats()
	cfg := testConfig()
	cfg.HighWaterMark = 5
	cfg.BackpressureTimeout = 5 * time.Millisecond
	cfg.Stats = stats
	d := openDemuxer(t, r, audio, video, cfg)
	d.Start()

	waitFor(t, "saturation", func() bool { return r.readCount() >= 10 })
	// Several safety timeouts pass without any consumer.
	waitFor(t, "timeouts", func() bool { return stats.get(func(s *fakeStats) int { return s.waits }) >= 5 })

	if n := r.readCount(); n != 10 {
		t.Errorf("reads while saturated: got %d, want 10", n)
	}
	if a, v := audio.QueueDepth(), video.QueueDepth(); a != 5 || v != 5 {
		t.Errorf("depths: got %d/%d, want 5/5", a, v)
	}

	// Draining one sink lets the worker continue.
	audio.drain()
	d.Notify()
	waitFor(t, "resume", func() bool { return r.readCount() > 10 })
}

func TestUnboundSinkCountsAsFull(t *testing.T) {
	t.Parallel()

	r := newFakeReader(avStreams()...)
	r.endless = true
	audio := newFakeSink("audio")
	stats := newFakeStats()
	cfg := testConfig()
	cfg.HighWaterMark = 2
	cfg.Stats = stats
	d := openDemuxer(t, r, audio, nil, cfg)
	d.Start()

	waitFor(t, "saturation", func() bool { return stats.get(func(s *fakeStats) int { return s.waits }) >= 2 })
	if n := audio.QueueDepth(); n != 2 {
		t.Errorf("audio depth: got %d, want 2", n)
	}
	if n := stats.get(func(s *fakeStats) int { return s.discarded }); n != 1 {
		t.Errorf("discarded video packets: got %d, want 1", n)
	}
}

func TestNoCrossRouting(t *testing.T) {
	t.Parallel()

	r := newFakeReader(
		media.StreamDescriptor{Index: 0, Type: media.MediaAudio},
		media.StreamDescriptor{Index: 1, Type: media.MediaVideo},
		media.StreamDescriptor{Index: 2, Type: media.MediaAudio},
		media.StreamDescriptor{Index: 3, Type: media.MediaData},
	)
	r.packets = interleaved(0, 1, 2, 3, 3, 2, 1, 0, 7, 1)
	audio, video := newFakeSink("audio"), newFakeSink("video")
	stats := newFakeStats()
	cfg := testConfig()
	cfg.Stats = stats
	d := openDemuxer(t, r, audio, video, cfg)
	d.Start()

	waitFor(t, "all packets", func() bool { return stats.get(func(s *fakeStats) int { return s.read }) == 10 })
	waitFor(t, "routing", func() bool {
		return stats.get(func(s *fakeStats) int { return s.discarded + s.routed[media.MediaAudio] + s.routed[media.MediaVideo] }) == 10
	})

	for _, p := range audio.receivedCopy() {
		if p.StreamIndex != 0 {
			t.Errorf("audio sink got stream %d", p.StreamIndex)
		}
	}
	for _, p := range video.receivedCopy() {
		if p.StreamIndex != 1 {
			t.Errorf("video sink got stream %d", p.StreamIndex)
		}
	}
	if n := len(audio.receivedCopy()); n != 2 {
		t.Errorf("audio: got %d, want 2", n)
	}
	if n := len(video.receivedCopy()); n != 3 {
		t.Errorf("video: got %d, want 3", n)
	}
	if n := stats.get(func(s *fakeStats) int { return s.discarded }); n != 5 {
		t.Errorf("discarded: got %d, want 5", n)
	}
}

func TestStopIsMonotonic(t *testing.T) {
	t.Parallel()

	r := newFakeReader(avStreams()...)
	r.endless = true
	audio, video := newFakeSink("audio"), newFakeSink("video")
	cfg := testConfig()
	cfg.HighWaterMark = 1 << 30
	d := openDemuxer(t, r, audio, video, cfg)
	d.Start()
	waitFor(t, "reads", func() bool { return r.readCount() > 100 })

	d.Stop()
	d.Stop()
	waitDone(t, d)

	enqueued := len(audio.receivedCopy()) + len(video.receivedCopy())
	d.Start() // must not revive a stopped worker
	time.Sleep(20 * time.Millisecond)
	if n := len(audio.receivedCopy()) + len(video.receivedCopy()); n != enqueued {
		t.Errorf("enqueues after stop: got %d, want %d", n, enqueued)
	}
	if !errors.Is(d.Err(), ErrStopped) {
		t.Errorf("Err: got %v, want ErrStopped", d.Err())
	}
	if err := d.Close(); err != nil {
		t.Errorf("Close after Stop: got %v, want nil", err)
	}
	if n := r.stat(func(r *fakeReader) int { return r.closed }); n != 1 {
		t.Errorf("reader closes: got %d, want 1", n)
	}
	if audio.QueueDepth() != 0 || video.QueueDepth() != 0 {
		t.Error("sinks must be flushed at shutdown")
	}
	if st := d.Status(); !st.Stopped || !st.Done {
		t.Errorf("status: %+v", st)
	}
}

func TestStopUnblocksWaits(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup func(t *testing.T, d *Demuxer, r *fakeReader)
	}{
		{name: "prepared wait", setup: func(*testing.T, *Demuxer, *fakeReader) {}},
		{name: "backpressure", setup: func(t *testing.T, d *Demuxer, r *fakeReader) {
			d.Start()
			waitFor(t, "saturation", func() bool { return r.readCount() >= 2 })
		}},
		{name: "paused", setup: func(t *testing.T, d *Demuxer, r *fakeReader) {
			d.Start()
			d.Pause()
		}},
		{name: "end of stream", setup: func(t *testing.T, d *Demuxer, r *fakeReader) {
			r.mu.Lock()
			r.endless = false
			r.mu.Unlock()
			d.Start()
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := newFakeReader(avStreams()...)
			r.endless = true
			cfg := testConfig()
			cfg.HighWaterMark = 1
			cfg.PollInterval = time.Hour
			cfg.BackpressureTimeout = time.Hour
			d := openDemuxer(t, r, newFakeSink("audio"), newFakeSink("video"), cfg)
			tt.setup(t, d, r)

			start := time.Now()
			d.Stop()
			waitDone(t, d)
			if elapsed := time.Since(start); elapsed > time.Second {
				t.Errorf("stop took %v", elapsed)
			}
		})
	}
}

func TestWorkerWaitsForStart(t *testing.T) {
	t.Parallel()

	r := newFakeReader(avStreams()...)
	r.endless = true
	d := openDemuxer(t, r, newFakeSink("audio"), newFakeSink("video"), testConfig())

	time.Sleep(20 * time.Millisecond)
	if n := r.readCount(); n != 0 {
		t.Fatalf("reads before Start: got %d, want 0", n)
	}
	if st := d.Status(); st.Started || !st.Paused {
		t.Errorf("status before start: %+v", st)
	}

	d.Start()
	waitFor(t, "reads", func() bool { return r.readCount() > 0 })
}

func TestStartBeforeOpen(t *testing.T) {
	t.Parallel()

	r := newFakeReader(avStreams()...)
	r.endless = true
	d := New(&fakeOpener{r: r}, newFakeSink("audio"), newFakeSink("video"), testConfig())
	d.Start()
	if err := d.Open(context.Background(), "mem://x"); err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	// The gate is open but the demuxer stays paused until started again.
	waitFor(t, "gate", func() bool { return d.Status().Started })
	time.Sleep(10 * time.Millisecond)
	if n := r.readCount(); n != 0 {
		t.Fatalf("reads while paused: got %d", n)
	}
	d.Start()
	waitFor(t, "reads", func() bool { return r.readCount() > 0 })
}

func TestSeekFlushesBeforeEnqueue(t *testing.T) {
	t.Parallel()

	log := &eventLog{}
	r := newFakeReader(avStreams()...)
	r.endless = true
	r.log = log
	r.start = 10 * time.Second
	audio, video := newFakeSink("audio"), newFakeSink("video")
	audio.log, video.log = log, log
	cfg := testConfig()
	cfg.HighWaterMark = 1 << 30
	d := openDemuxer(t, r, audio, video, cfg)
	d.Start()
	waitFor(t, "reads", func() bool { return r.readCount() > 10 })

	d.RequestSeek(2 * time.Second)
	waitFor(t, "seek", func() bool { return r.stat(func(r *fakeReader) int { return len(r.seeks) }) == 1 })
	waitFor(t, "enqueue after seek", func() bool {
		ev := log.snapshot()
		return ev[len(ev)-1] != "seek" && !strings.HasPrefix(ev[len(ev)-1], "flush")
	})
	d.Stop()
	waitDone(t, d)

	ev := log.snapshot()
	seekAt := -1
	for i, e := range ev {
		if e == "seek" {
			seekAt = i
		}
	}
	lastEnqueue := -1
	for i := seekAt - 1; i >= 0; i-- {
		if strings.HasPrefix(ev[i], "enqueue") {
			lastEnqueue = i
			break
		}
	}
	between := ev[lastEnqueue+1 : seekAt]
	if len(between) != 2 || !contains(between, "flush:audio") || !contains(between, "flush:video") {
		t.Errorf("events between last enqueue and seek: %v", between)
	}
	if !strings.HasPrefix(ev[seekAt+1], "enqueue") {
		t.Errorf("event after seek: got %q, want an enqueue", ev[seekAt+1])
	}

	if got := r.seeks[0]; got != 12*time.Second {
		t.Errorf("seek target: got %v, want 12s", got)
	}
	if d.Status().SeekPending {
		t.Error("seek request not cleared")
	}
}

func contains(s []string, v string) bool {
	for _, e := range s {
		if e == v {
			return true
		}
	}
	return false
}

func TestSeekFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	r := newFakeReader(avStreams()...)
	r.endless = true
	r.seekErr = errors.New("not seekable")
	stats := newFakeStats()
	cfg := testConfig()
	cfg.HighWaterMark = 1 << 30
	cfg.Stats = stats
	d := openDemuxer(t, r, newFakeSink("audio"), newFakeSink("video"), cfg)
	d.Start()

	d.RequestSeek(time.Second)
	waitFor(t, "seek", func() bool { return stats.get(func(s *fakeStats) int { return s.seekErrs }) == 1 })
	before := r.readCount()
	waitFor(t, "reads after failed seek", func() bool { return r.readCount() > before })
	if d.Err() != nil {
		t.Errorf("Err: got %v, want nil while running", d.Err())
	}
}

func TestPauseIdempotent(t *testing.T) {
	t.Parallel()

	r := newFakeReader(avStreams()...)
	r.endless = true
	cfg := testConfig()
	cfg.HighWaterMark = 1 << 30
	d := openDemuxer(t, r, newFakeSink("audio"), newFakeSink("video"), cfg)
	d.Start()
	waitFor(t, "resume edge", func() bool { return r.stat(func(r *fakeReader) int { return r.resumes }) == 1 })

	d.Pause()
	d.Pause()
	waitFor(t, "suspend edge", func() bool { return r.stat(func(r *fakeReader) int { return r.suspends }) == 1 })
	reads := r.readCount()
	time.Sleep(20 * time.Millisecond)
	if n := r.readCount(); n > reads+1 {
		t.Errorf("reads while paused: %d -> %d", reads, n)
	}
	if n := r.stat(func(r *fakeReader) int { return r.suspends }); n != 1 {
		t.Errorf("suspends: got %d, want 1", n)
	}

	d.Start()
	waitFor(t, "second resume", func() bool { return r.stat(func(r *fakeReader) int { return r.resumes }) == 2 })
	waitFor(t, "reads after resume", func() bool { return r.readCount() > reads+1 })
}

func TestSetStartTime(t *testing.T) {
	t.Parallel()

	r := newFakeReader(avStreams()...)
	r.endless = true
	r.start = time.Second
	d := openDemuxer(t, r, newFakeSink("audio"), newFakeSink("video"), testConfig())

	if err := d.SetStartTime(5 * time.Second); err != nil {
		t.Fatalf("SetStartTime: %v", err)
	}
	d.Start()
	waitFor(t, "start seek", func() bool { return r.stat(func(r *fakeReader) int { return len(r.seeks) }) == 1 })
	if got := r.seeks[0]; got != 6*time.Second {
		t.Errorf("start seek: got %v, want 6s", got)
	}
	if err := d.SetStartTime(time.Second); !errors.Is(err, ErrPlaybackStarted) {
		t.Errorf("late SetStartTime: got %v, want ErrPlaybackStarted", err)
	}
}

func TestHardReadErrorEndsWorker(t *testing.T) {
	t.Parallel()

	r := newFakeReader(avStreams()...)
	r.packets = interleaved(0, 1, 0, 1)
	r.failAt = 3
	audio, video := newFakeSink("audio"), newFakeSink("video")
	d := openDemuxer(t, r, audio, video, testConfig())
	d.Start()
	waitDone(t, d)

	if !errors.Is(d.Err(), ErrReadFailed) {
		t.Errorf("Err: got %v, want ErrReadFailed", d.Err())
	}
	if len(audio.receivedCopy())+len(video.receivedCopy()) != 3 {
		t.Errorf("enqueued before failure: got %d, want 3", len(audio.receivedCopy())+len(video.receivedCopy()))
	}
	if audio.flushCount() != 1 || video.flushCount() != 1 {
		t.Errorf("final flushes: got %d/%d, want 1/1", audio.flushCount(), video.flushCount())
	}
	if n := r.stat(func(r *fakeReader) int { return r.closed }); n != 1 {
		t.Errorf("reader closes: got %d, want 1", n)
	}
	if err := d.Close(); !errors.Is(err, ErrReadFailed) {
		t.Errorf("Close: got %v, want ErrReadFailed", err)
	}
}

func TestEndOfStream(t *testing.T) {
	t.Parallel()

	r := newFakeReader(avStreams()...)
	r.packets = interleaved(0, 1)
	eos := make(chan struct{}, 4)
	cfg := testConfig()
	cfg.OnEndOfStream = func() { eos <- struct{}{} }
	d := openDemuxer(t, r, newFakeSink("audio"), newFakeSink("video"), cfg)
	d.Start()

	<-eos
	// The worker keeps polling at end of stream without re-reporting it.
	time.Sleep(20 * time.Millisecond)
	if len(eos) != 0 {
		t.Error("end of stream reported more than once")
	}
	if !d.Status().ReadFinished {
		t.Error("expected ReadFinished")
	}

	// A seek re-arms reading.
	d.RequestSeek(0)
	select {
	case <-eos:
	case <-time.After(2 * time.Second):
		t.Fatal("no end of stream after seek")
	}
	if n := r.readCount(); n != 4 {
		t.Errorf("reads: got %d, want 4", n)
	}
}

func TestWouldBlockRetries(t *testing.T) {
	t.Parallel()

	r := newFakeReader(avStreams()...)
	r.packets = interleaved(0, 1, 0)
	r.blockN = 3
	audio, video := newFakeSink("audio"), newFakeSink("video")
	stats := newFakeStats()
	cfg := testConfig()
	cfg.Stats = stats
	d := openDemuxer(t, r, audio, video, cfg)
	d.Start()

	waitFor(t, "packets", func() bool { return len(audio.receivedCopy())+len(video.receivedCopy()) == 3 })
	if n := stats.get(func(s *fakeStats) int { return s.retries }); n != 3 {
		t.Errorf("retries: got %d, want 3", n)
	}
	if d.Err() != nil {
		t.Errorf("Err: got %v", d.Err())
	}
}

func TestCloseWithoutOpen(t *testing.T) {
	t.Parallel()

	d := New(&fakeOpener{}, nil, nil, Config{})
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	if d.Err() != nil {
		t.Errorf("Err: got %v, want nil", d.Err())
	}
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{}.withDefaults()
	if cfg.HighWaterMark != 50 {
		t.Errorf("HighWaterMark: got %d, want 50", cfg.HighWaterMark)
	}
	if cfg.PollInterval != 10*time.Millisecond {
		t.Errorf("PollInterval: got %v", cfg.PollInterval)
	}
	if cfg.BackpressureTimeout != 500*time.Millisecond {
		t.Errorf("BackpressureTimeout: got %v", cfg.BackpressureTimeout)
	}
	if cfg.OpenTimeout != 5*time.Second {
		t.Errorf("OpenTimeout: got %v", cfg.OpenTimeout)
	}
	if cfg.Log == nil || cfg.Stats == nil {
		t.Error("expected default logger and stats")
	}
}

func TestStatus(t *testing.T) {
	t.Parallel()

	r := newFakeReader(avStreams()...)
	r.packets = interleaved(0, 0, 1)
	cfg := testConfig()
	d := openDemuxer(t, r, newFakeSink("audio"), newFakeSink("video"), cfg)
	d.Start()
	waitFor(t, "eos", func() bool { return d.Status().ReadFinished })

	st := d.Status()
	if st.Locator != "mem://test" || !st.Opened || !st.Started || st.Paused {
		t.Errorf("status: %+v", st)
	}
	if len(st.Sinks) != 2 {
		t.Fatalf("sinks: got %d, want 2", len(st.Sinks))
	}
	if st.Sinks[0].Type != "audio" || st.Sinks[0].QueueDepth != 2 {
		t.Errorf("audio sink: %+v", st.Sinks[0])
	}
	if st.Sinks[1].Type != "video" || st.Sinks[1].StreamIndex != 1 || st.Sinks[1].QueueDepth != 1 {
		t.Errorf("video sink: %+v", st.Sinks[1])
	}
}
