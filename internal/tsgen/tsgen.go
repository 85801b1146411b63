// Package tsgen writes synthetic MPEG-TS streams: PAT/PMT tables, PES
// packets with timestamps, and minimal AAC/H.264 payloads. It backs the
// `tsdemux gen` command and the tests of the reader and pipeline layers.
package tsgen

import (
	"encoding/binary"
	"io"

	"github.com/zsiec/tsdemux/internal/mpegts"
)

// Default PIDs used by Generate.
const (
	PMTPID   uint16 = 0x1000
	VideoPID uint16 = 0x100
	AudioPID uint16 = 0x101
)

// Stream declares one elementary stream of the generated program.
type Stream struct {
	PID        uint16
	StreamType uint8
	Language   string
}

// Muxer writes transport packets for a single program. It tracks continuity
// counters per PID.
type Muxer struct {
	w       io.Writer
	pmtPID  uint16
	streams []Stream
	cc      map[uint16]byte
}

// NewMuxer creates a Muxer writing to w with the given program streams.
func NewMuxer(w io.Writer, streams ...Stream) *Muxer {
	return &Muxer{
		w:       w,
		pmtPID:  PMTPID,
		streams: streams,
		cc:      make(map[uint16]byte),
	}
}

// WriteTables writes one PAT and one PMT.
func (m *Muxer) WriteTables() error {
	if err := m.writeSection(0x0000, PATSection(1, m.pmtPID)); err != nil {
		return err
	}
	return m.writeSection(m.pmtPID, PMTSection(1, m.pcrPID(), m.streams))
}

func (m *Muxer) pcrPID() uint16 {
	if len(m.streams) == 0 {
		return 0x1FFF
	}
	return m.streams[0].PID
}

func (m *Muxer) writeSection(pid uint16, section []byte) error {
	payload := append([]byte{0x00}, section...)
	return m.write(pid, payload)
}

// WritePES writes one PES packet on pid. pts and dts are 90 kHz ticks; a
// negative dts omits the DTS field.
func (m *Muxer) WritePES(pid uint16, pts, dts int64, data []byte) error {
	streamID := byte(0xC0)
	bounded := true
	for _, s := range m.streams {
		if s.PID == pid && isVideo(s.StreamType) {
			streamID, bounded = 0xE0, false
		}
	}
	return m.write(pid, PES(streamID, pts, dts, bounded, data))
}

func (m *Muxer) write(pid uint16, payload []byte) error {
	cc := m.cc[pid]
	_, err := m.w.Write(Packetize(payload, pid, &cc))
	m.cc[pid] = cc
	return err
}

func isVideo(streamType uint8) bool {
	return streamType == mpegts.StreamTypeH264 || streamType == mpegts.StreamTypeH265
}

// PATSection builds a PAT section for one program, CRC included.
func PATSection(programNumber, pmtPID uint16) []byte {
	body := []byte{
		byte(programNumber >> 8), byte(programNumber),
		0xE0 | byte(pmtPID>>8)&0x1F, byte(pmtPID),
	}
	return section(0x00, 1, body)
}

// PMTSection builds a PMT section, CRC included. Streams with a Language get
// an ISO 639 descriptor.
func PMTSection(programNumber, pcrPID uint16, streams []Stream) []byte {
	body := []byte{
		0xE0 | byte(pcrPID>>8)&0x1F, byte(pcrPID),
		0xF0, 0x00, // program_info_length = 0
	}
	for _, s := range streams {
		var desc []byte
		if len(s.Language) == 3 {
			desc = append([]byte{0x0A, 4}, s.Language...)
			desc = append(desc, 0x00) // audio_type
		}
		body = append(body,
			s.StreamType,
			0xE0|byte(s.PID>>8)&0x1F, byte(s.PID),
			0xF0|byte(len(desc)>>8)&0x0F, byte(len(desc)),
		)
		body = append(body, desc...)
	}
	return section(0x02, programNumber, body)
}

// section wraps body in the long-form PSI section header and appends the
// CRC32.
func section(tableID byte, idExt uint16, body []byte) []byte {
	length := 5 + len(body) + 4
	data := []byte{
		tableID,
		0xB0 | byte(length>>8)&0x0F, byte(length),
		byte(idExt >> 8), byte(idExt),
		0xC1,       // version 0, current_next 1
		0x00, 0x00, // section_number, last_section_number
	}
	data = append(data, body...)
	return binary.BigEndian.AppendUint32(data, mpegts.CRC32(data))
}

// PES builds a PES packet with a PTS and, when dts >= 0, a DTS. Unbounded
// packets carry a zero packet_length as video streams do.
func PES(streamID byte, pts, dts int64, bounded bool, data []byte) []byte {
	var opt []byte
	flags := byte(0x80)
	if dts >= 0 {
		flags = 0xC0
		opt = append(opt, encodeTimestamp(0x03, pts)...)
		opt = append(opt, encodeTimestamp(0x01, dts)...)
	} else {
		opt = append(opt, encodeTimestamp(0x02, pts)...)
	}

	length := 0
	if bounded {
		length = 3 + len(opt) + len(data)
	}
	buf := []byte{0x00, 0x00, 0x01, streamID, byte(length >> 8), byte(length), 0x80, flags, byte(len(opt))}
	buf = append(buf, opt...)
	return append(buf, data...)
}

// encodeTimestamp encodes a 33-bit PTS/DTS with marker bits.
func encodeTimestamp(prefix byte, value int64) []byte {
	return []byte{
		prefix<<4 | byte((value>>29)&0x0E) | 0x01,
		byte(value >> 22),
		byte((value>>14)&0xFE) | 0x01,
		byte(value >> 7),
		byte((value<<1)&0xFE) | 0x01,
	}
}

// Packetize splits data into 188-byte TS packets on pid, setting PUSI on
// the first packet, stuffing the last one through its adaptation field, and
// advancing the continuity counter cc.
func Packetize(data []byte, pid uint16, cc *byte) []byte {
	var out []byte
	for offset, first := 0, true; offset < len(data); first = false {
		var pkt [mpegts.PacketSize]byte
		pkt[0] = mpegts.SyncByte
		pkt[1] = byte(pid>>8) & 0x1F
		pkt[2] = byte(pid)
		if first {
			pkt[1] |= 0x40
		}
		pkt[3] = 0x10 | (*cc & 0x0F)
		*cc = (*cc + 1) & 0x0F

		capacity := mpegts.PacketSize - 4
		remaining := len(data) - offset
		if remaining >= capacity {
			copy(pkt[4:], data[offset:offset+capacity])
			offset += capacity
		} else {
			stuff := capacity - remaining
			pkt[3] |= 0x20
			pkt[4] = byte(stuff - 1)
			if stuff > 1 {
				pkt[5] = 0x00
				for i := 6; i < 4+stuff; i++ {
					pkt[i] = 0xFF
				}
			}
			copy(pkt[4+stuff:], data[offset:])
			offset = len(data)
		}
		out = append(out, pkt[:]...)
	}
	return out
}
