package mpegts

import (
	"context"
	"errors"
	"io"
)

// Demuxer reads MPEG-TS packets from a reader and produces DemuxerData
// containing parsed PAT, PMT, and PES payloads.
//
// A read error other than io.EOF is returned to the caller with any partially
// read packet retained, so a reader that reports a transient condition can be
// retried without losing alignment.
type Demuxer struct {
	ctx        context.Context
	reader     io.Reader
	readBuf    []byte
	fill       int
	pool       *packetPool
	programMap programMap
	pending    []*DemuxerData
	eof        bool
}

// NewDemuxer creates a new MPEG-TS demuxer reading from r.
func NewDemuxer(ctx context.Context, r io.Reader) *Demuxer {
	pm := make(programMap)
	return &Demuxer{
		ctx:        ctx,
		reader:     r,
		readBuf:    make([]byte, PacketSize),
		programMap: pm,
		pool:       newPacketPool(pm),
	}
}

// NextData returns the next parsed unit from the stream. It returns io.EOF
// once the reader is exhausted and every buffered unit has been drained.
func (d *Demuxer) NextData() (*DemuxerData, error) {
	for {
		if len(d.pending) > 0 {
			data := d.pending[0]
			d.pending = d.pending[1:]
			return data, nil
		}
		if d.eof {
			return nil, io.EOF
		}
		if err := d.ctx.Err(); err != nil {
			return nil, err
		}

		if err := d.readPacket(); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				d.eof = true
				d.fill = 0
				for _, packets := range d.pool.dump() {
					d.process(packets)
				}
				continue
			}
			return nil, err
		}

		pkt, err := parsePacket(d.readBuf)
		if err != nil {
			continue // corrupt packet
		}
		if flushed := d.pool.add(pkt); flushed != nil {
			d.process(flushed)
		}
	}
}

// readPacket fills readBuf with one full packet, keeping partial progress
// across calls that fail.
func (d *Demuxer) readPacket() error {
	for d.fill < PacketSize {
		n, err := d.reader.Read(d.readBuf[d.fill:])
		d.fill += n
		if err != nil {
			if d.fill == PacketSize && errors.Is(err, io.EOF) {
				break
			}
			return err
		}
	}
	d.fill = 0
	return nil
}

// process parses one accumulated unit and queues its results. Corrupt
// sections and PES headers are dropped.
func (d *Demuxer) process(packets []*Packet) {
	if len(packets) == 0 {
		return
	}
	first := packets[0]
	payload := concatPayloads(packets)
	if len(payload) == 0 {
		return
	}

	if d.programMap.isPSI(first.Header.PID) {
		results, _ := parsePSI(payload, first)
		for _, r := range results {
			if r.PAT != nil {
				for _, p := range r.PAT.Programs {
					d.programMap[p.ProgramMapID] = true
				}
			}
		}
		d.pending = append(d.pending, results...)
		return
	}

	if !isPESPayload(payload) {
		return
	}
	pes, err := parsePES(payload)
	if err != nil {
		return
	}
	d.pending = append(d.pending, &DemuxerData{FirstPacket: first, PES: pes})
}

// Reset discards partially assembled units and buffered results and clears
// the end-of-stream state. Program tables stay known. Call it after moving
// the underlying reader to a new packet-aligned position.
func (d *Demuxer) Reset() {
	d.pool.reset()
	d.pending = nil
	d.fill = 0
	d.eof = false
}
