package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/zsiec/tsdemux/internal/media"
	"github.com/zsiec/tsdemux/internal/mpegts"
)

const (
	// maxProbeUnits bounds how many parsed units are inspected while looking
	// for the program map and the first timestamp.
	maxProbeUnits = 4096
	probeRetry    = 5 * time.Millisecond
	// seekScanSize is how much data is inspected at each bisection step.
	seekScanSize = 256 * mpegts.PacketSize
)

// readAheadController is implemented by byte sources that buffer ahead of
// the demuxer.
type readAheadController interface {
	Suspend()
	Resume()
}

// tsReader is the Reader for MPEG-TS containers. seeker is nil for live
// sources.
type tsReader struct {
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	src    io.Reader
	seeker io.ReadSeeker
	closer io.Closer
	ahead  readAheadController

	dmx      *mpegts.Demuxer
	streams  []media.StreamDescriptor
	byPID    map[uint16]int
	pids     map[uint16]bool
	start    time.Duration
	queued   []*media.Packet
	resynced map[int]bool
}

type readerConfig struct {
	src    io.Reader
	seeker io.ReadSeeker
	closer io.Closer
	ahead  readAheadController
}

// newTSReader probes src until the program map and the first timestamp are
// known. On failure the closer is not closed; the caller owns cleanup.
func newTSReader(ctx context.Context, log *slog.Logger, cfg readerConfig) (*tsReader, error) {
	rctx, cancel := context.WithCancel(context.Background())
	r := &tsReader{
		log:    log,
		ctx:    rctx,
		cancel: cancel,
		src:    cfg.src,
		seeker: cfg.seeker,
		closer: cfg.closer,
		ahead:  cfg.ahead,
		byPID:  make(map[uint16]int),
		pids:   make(map[uint16]bool),
	}
	r.dmx = mpegts.NewDemuxer(rctx, cfg.src)
	if err := r.probe(ctx); err != nil {
		cancel()
		return nil, err
	}
	return r, nil
}

func (r *tsReader) probe(ctx context.Context) error {
	var early []*mpegts.DemuxerData
	haveStart := false

	for units := 0; units < maxProbeUnits; {
		data, err := r.dmx.NextData()
		switch {
		case errors.Is(err, ErrWouldBlock):
			select {
			case <-ctx.Done():
				return fmt.Errorf("probing: %w", ctx.Err())
			case <-time.After(probeRetry):
			}
			continue
		case errors.Is(err, io.EOF):
			if r.streams == nil {
				return ErrNoProgram
			}
			return nil
		case err != nil:
			return fmt.Errorf("probing: %w", err)
		}
		units++

		if data.PMT != nil && r.streams == nil {
			r.bindStreams(data.PMT)
			for _, d := range early {
				if idx, ok := r.byPID[d.PID()]; ok {
					r.queued = append(r.queued, r.packet(idx, d.PES))
				}
			}
			early = nil
			continue
		}
		if data.PES == nil {
			continue
		}
		if r.streams == nil {
			early = append(early, data)
			continue
		}
		idx, ok := r.byPID[data.PID()]
		if !ok {
			continue
		}
		r.queued = append(r.queued, r.packet(idx, data.PES))
		if !haveStart {
			if pts, _, ok := data.PES.Timestamps(); ok {
				r.start = media.FromTicks(pts)
				haveStart = true
			}
		}
		if haveStart {
			return nil
		}
	}
	if r.streams == nil {
		return ErrNoProgram
	}
	return nil
}

// bindStreams assigns stream indices in program map order.
func (r *tsReader) bindStreams(pmt *mpegts.PMTData) {
	r.streams = make([]media.StreamDescriptor, 0, len(pmt.ElementaryStreams))
	for i, es := range pmt.ElementaryStreams {
		typ, codec := classify(es.StreamType)
		r.streams = append(r.streams, media.StreamDescriptor{
			Index:      i,
			PID:        es.ElementaryPID,
			Type:       typ,
			Codec:      codec,
			StreamType: es.StreamType,
			Language:   es.Language,
		})
		r.byPID[es.ElementaryPID] = i
		r.pids[es.ElementaryPID] = true
	}
	r.log.Debug("program map", "program", pmt.ProgramNumber, "streams", len(r.streams))
}

func classify(streamType uint8) (media.MediaType, string) {
	switch streamType {
	case mpegts.StreamTypeH264:
		return media.MediaVideo, "h264"
	case mpegts.StreamTypeH265:
		return media.MediaVideo, "h265"
	case mpegts.StreamTypeAAC:
		return media.MediaAudio, "aac"
	case mpegts.StreamTypeMPEG1Audio, mpegts.StreamTypeMPEG2Audio:
		return media.MediaAudio, "mp3"
	case mpegts.StreamTypeAC3:
		return media.MediaAudio, "ac3"
	case mpegts.StreamTypeSCTE35:
		return media.MediaData, "scte35"
	default:
		return media.MediaData, fmt.Sprintf("0x%02x", streamType)
	}
}

func (r *tsReader) packet(idx int, pes *mpegts.PESData) *media.Packet {
	pkt := &media.Packet{StreamIndex: idx, Data: pes.Data}
	if pts, dts, ok := pes.Timestamps(); ok {
		pkt.PTS = media.FromTicks(pts)
		pkt.DTS = media.FromTicks(dts)
	}
	if r.resynced[idx] {
		pkt.Discontinuity = true
		delete(r.resynced, idx)
	}
	return pkt
}

func (r *tsReader) Streams() []media.StreamDescriptor {
	out := make([]media.StreamDescriptor, len(r.streams))
	copy(out, r.streams)
	return out
}

func (r *tsReader) StartTime() time.Duration { return r.start }

func (r *tsReader) ReadPacket() (*media.Packet, error) {
	for {
		if len(r.queued) > 0 {
			pkt := r.queued[0]
			r.queued[0] = nil
			r.queued = r.queued[1:]
			return pkt, nil
		}

		data, err := r.dmx.NextData()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, ErrWouldBlock), errors.Is(err, ErrIO):
				return nil, err
			case r.ctx.Err() != nil:
				return nil, io.EOF
			default:
				return nil, fmt.Errorf("%w: %v", ErrIO, err)
			}
		}
		if data.PES == nil {
			continue
		}
		idx, ok := r.byPID[data.PID()]
		if !ok {
			continue
		}
		return r.packet(idx, data.PES), nil
	}
}

// Seek bisects the file on packet boundaries for the last position whose
// first PES timestamp is not after target.
func (r *tsReader) Seek(ctx context.Context, target time.Duration) error {
	if r.seeker == nil {
		return ErrNotSeekable
	}
	size, err := r.seeker.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}

	want := media.ToTicks(target)
	lo, hi := int64(0), size/mpegts.PacketSize
	buf := make([]byte, seekScanSize)
	for hi-lo > 1 {
		if err := ctx.Err(); err != nil {
			return err
		}
		mid := lo + (hi-lo)/2
		pts, ok, err := r.ptsAt(mid*mpegts.PacketSize, buf)
		if err != nil {
			return err
		}
		if ok && pts <= want {
			lo = mid
		} else {
			hi = mid
		}
	}

	if _, err := r.seeker.Seek(lo*mpegts.PacketSize, io.SeekStart); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	r.dmx.Reset()
	r.queued = nil
	r.resynced = make(map[int]bool, len(r.streams))
	for _, s := range r.streams {
		r.resynced[s.Index] = true
	}
	r.log.Debug("seeked", "target", target, "offset", lo*mpegts.PacketSize)
	return nil
}

func (r *tsReader) ptsAt(offset int64, buf []byte) (int64, bool, error) {
	if _, err := r.seeker.Seek(offset, io.SeekStart); err != nil {
		return 0, false, fmt.Errorf("%w: %v", ErrIO, err)
	}
	n, err := io.ReadFull(r.seeker, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return 0, false, fmt.Errorf("%w: %v", ErrIO, err)
	}
	start := mpegts.Align(buf[:n])
	if start < 0 {
		return 0, false, nil
	}
	pts, ok := mpegts.ScanPTS(buf[start:n], r.pids)
	return pts, ok, nil
}

func (r *tsReader) SuspendReadAhead() {
	if r.ahead != nil {
		r.ahead.Suspend()
	}
}

func (r *tsReader) ResumeReadAhead() {
	if r.ahead != nil {
		r.ahead.Resume()
	}
}

func (r *tsReader) Close() error {
	r.cancel()
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}
