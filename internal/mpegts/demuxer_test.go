package mpegts_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/zsiec/tsdemux/internal/mpegts"
	"github.com/zsiec/tsdemux/internal/tsgen"
)

var avStreams = []tsgen.Stream{
	{PID: tsgen.VideoPID, StreamType: mpegts.StreamTypeH264},
	{PID: tsgen.AudioPID, StreamType: mpegts.StreamTypeAAC, Language: "eng"},
}

// buildAV writes tables followed by count alternating video and audio PES.
func buildAV(t *testing.T, count int) []byte {
	t.Helper()
	var buf bytes.Buffer
	m := tsgen.NewMuxer(&buf, avStreams...)
	if err := m.WriteTables(); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < count; i++ {
		pts := int64(90000 + i*3600)
		if err := m.WritePES(tsgen.VideoPID, pts, pts, tsgen.AccessUnit(i == 0, 320, 240)); err != nil {
			t.Fatal(err)
		}
		if err := m.WritePES(tsgen.AudioPID, pts, -1, tsgen.ADTSFrame(300, 3, 2)); err != nil {
			t.Fatal(err)
		}
	}
	return buf.Bytes()
}

type collected struct {
	pat   []*mpegts.PATData
	pmt   []*mpegts.PMTData
	pts   map[uint16][]int64
	units map[uint16][][]byte
}

func drain(t *testing.T, dmx *mpegts.Demuxer, retry func(error) bool) collected {
	t.Helper()
	c := collected{pts: map[uint16][]int64{}, units: map[uint16][][]byte{}}
	for {
		data, err := dmx.NextData()
		if errors.Is(err, io.EOF) {
			return c
		}
		if err != nil {
			if retry != nil && retry(err) {
				continue
			}
			t.Fatal(err)
		}
		switch {
		case data.PAT != nil:
			c.pat = append(c.pat, data.PAT)
		case data.PMT != nil:
			c.pmt = append(c.pmt, data.PMT)
		case data.PES != nil:
			pts, _, ok := data.PES.Timestamps()
			if !ok {
				t.Errorf("PES on PID 0x%x without PTS", data.PID())
			}
			c.pts[data.PID()] = append(c.pts[data.PID()], pts)
			c.units[data.PID()] = append(c.units[data.PID()], data.PES.Data)
		}
	}
}

func TestDemuxerSynthetic(t *testing.T) {
	t.Parallel()

	stream := buildAV(t, 3)
	c := drain(t, mpegts.NewDemuxer(context.Background(), bytes.NewReader(stream)), nil)

	if len(c.pat) != 1 || len(c.pat[0].Programs) != 1 {
		t.Fatalf("PAT: got %+v", c.pat)
	}
	if got := c.pat[0].Programs[0].ProgramMapID; got != tsgen.PMTPID {
		t.Errorf("PMT PID: got 0x%x, want 0x%x", got, tsgen.PMTPID)
	}
	if len(c.pmt) != 1 {
		t.Fatalf("PMT count: got %d, want 1", len(c.pmt))
	}
	es := c.pmt[0].ElementaryStreams
	if len(es) != 2 {
		t.Fatalf("PMT streams: got %d, want 2", len(es))
	}
	if es[0].StreamType != mpegts.StreamTypeH264 || es[0].ElementaryPID != tsgen.VideoPID {
		t.Errorf("stream 0: got type 0x%x pid 0x%x", es[0].StreamType, es[0].ElementaryPID)
	}
	if es[1].Language != "eng" {
		t.Errorf("audio language: got %q, want eng", es[1].Language)
	}
	if es[0].Language != "" {
		t.Errorf("video language: got %q, want empty", es[0].Language)
	}

	want := []int64{90000, 93600, 97200}
	for _, pid := range []uint16{tsgen.VideoPID, tsgen.AudioPID} {
		got := c.pts[pid]
		if len(got) != len(want) {
			t.Fatalf("PID 0x%x: got %d PES, want %d", pid, len(got), len(want))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("PID 0x%x PES %d: got PTS %d, want %d", pid, i, got[i], want[i])
			}
		}
	}

	if !bytes.Equal(c.units[tsgen.VideoPID][0], tsgen.AccessUnit(true, 320, 240)) {
		t.Error("first video PES payload differs from what was muxed")
	}
	if !bytes.Equal(c.units[tsgen.AudioPID][2], tsgen.ADTSFrame(300, 3, 2)) {
		t.Error("last audio PES payload differs from what was muxed")
	}
}

func TestDemuxerDTS(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	m := tsgen.NewMuxer(&buf, avStreams...)
	if err := m.WriteTables(); err != nil {
		t.Fatal(err)
	}
	if err := m.WritePES(tsgen.VideoPID, 93600, 90000, []byte{0, 0, 0, 1, 0x41}); err != nil {
		t.Fatal(err)
	}

	dmx := mpegts.NewDemuxer(context.Background(), &buf)
	for {
		data, err := dmx.NextData()
		if err != nil {
			t.Fatalf("no PES: %v", err)
		}
		if data.PES == nil {
			continue
		}
		pts, dts, ok := data.PES.Timestamps()
		if !ok || pts != 93600 || dts != 90000 {
			t.Errorf("Timestamps: got %d/%d/%v, want 93600/90000/true", pts, dts, ok)
		}
		return
	}
}

func TestDemuxerBadCRC(t *testing.T) {
	t.Parallel()

	stream := buildAV(t, 2)
	// The PAT is the first packet and is stuffed at the front, so its CRC
	// ends the packet.
	stream[mpegts.PacketSize-1] ^= 0xFF

	c := drain(t, mpegts.NewDemuxer(context.Background(), bytes.NewReader(stream)), nil)
	if len(c.pat) != 0 {
		t.Errorf("PAT with bad CRC was accepted")
	}
	if len(c.pmt) != 0 {
		t.Errorf("PMT found without a PAT")
	}
}

var errTransient = errors.New("transient")

// stutterReader returns at most a few bytes per call and fails every third
// call without consuming anything.
type stutterReader struct {
	r     io.Reader
	calls int
}

func (s *stutterReader) Read(p []byte) (int, error) {
	s.calls++
	if s.calls%3 == 0 {
		return 0, errTransient
	}
	if len(p) > 7 {
		p = p[:7]
	}
	return s.r.Read(p)
}

func TestDemuxerSurvivesTransientErrors(t *testing.T) {
	t.Parallel()

	stream := buildAV(t, 4)
	want := drain(t, mpegts.NewDemuxer(context.Background(), bytes.NewReader(stream)), nil)

	retries := 0
	sr := &stutterReader{r: bytes.NewReader(stream)}
	got := drain(t, mpegts.NewDemuxer(context.Background(), sr), func(err error) bool {
		retries++
		return errors.Is(err, errTransient)
	})
	if retries == 0 {
		t.Fatal("reader never failed")
	}
	for _, pid := range []uint16{tsgen.VideoPID, tsgen.AudioPID} {
		if len(got.units[pid]) != len(want.units[pid]) {
			t.Fatalf("PID 0x%x: got %d PES, want %d", pid, len(got.units[pid]), len(want.units[pid]))
		}
		for i := range want.units[pid] {
			if !bytes.Equal(got.units[pid][i], want.units[pid][i]) {
				t.Errorf("PID 0x%x PES %d differs", pid, i)
			}
		}
	}
}

func TestDemuxerReset(t *testing.T) {
	t.Parallel()

	stream := buildAV(t, 3)
	r := bytes.NewReader(stream)
	dmx := mpegts.NewDemuxer(context.Background(), r)

	// Read into the first video PES, then rewind.
	for {
		data, err := dmx.NextData()
		if err != nil {
			t.Fatal(err)
		}
		if data.PES != nil {
			break
		}
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	dmx.Reset()

	c := drain(t, dmx, nil)
	if got := len(c.pts[tsgen.VideoPID]); got != 3 {
		t.Errorf("video PES after reset: got %d, want 3", got)
	}
	if got := c.pts[tsgen.AudioPID]; len(got) == 0 || got[0] != 90000 {
		t.Errorf("audio PTS after reset: got %v, want to start at 90000", got)
	}
}

func TestDemuxerContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	dmx := mpegts.NewDemuxer(ctx, bytes.NewReader(buildAV(t, 1)))
	if _, err := dmx.NextData(); !errors.Is(err, context.Canceled) {
		t.Errorf("NextData: got %v, want context.Canceled", err)
	}
}
