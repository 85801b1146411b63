// Package mpegts implements the MPEG-TS container layer used by the source
// readers: PAT/PMT discovery, PES reassembly with PTS/DTS extraction, and
// the byte-level helpers needed to reposition a reader inside a file.
package mpegts

// Packet is a parsed 188-byte MPEG-TS transport stream packet.
type Packet struct {
	Header  PacketHeader
	Payload []byte
}

// PacketHeader contains the parsed header fields of a transport stream packet.
type PacketHeader struct {
	PID                       uint16
	ContinuityCounter         uint8
	HasAdaptationField        bool
	HasPayload                bool
	PayloadUnitStartIndicator bool
	TransportErrorIndicator   bool
	DiscontinuityIndicator    bool
}

// DemuxerData is one logical unit produced by the Demuxer. Exactly one of
// PAT, PMT, or PES is non-nil.
type DemuxerData struct {
	FirstPacket *Packet
	PAT         *PATData
	PMT         *PMTData
	PES         *PESData
}

// PID returns the PID of the first transport packet of the unit.
func (d *DemuxerData) PID() uint16 {
	if d.FirstPacket == nil {
		return 0
	}
	return d.FirstPacket.Header.PID
}

// PATData contains the parsed Program Association Table.
type PATData struct {
	Programs []*PATProgram
}

// PATProgram maps a program number to its PMT PID.
type PATProgram struct {
	ProgramMapID  uint16
	ProgramNumber uint16
}

// PMTData contains the parsed Program Map Table of one program.
type PMTData struct {
	ProgramNumber     uint16
	PCRPID            uint16
	ElementaryStreams []*PMTElementaryStream
}

// PMTElementaryStream describes a single elementary stream in a PMT.
type PMTElementaryStream struct {
	ElementaryPID uint16
	StreamType    uint8
	// Language is the ISO 639 code from the stream's language descriptor,
	// empty when absent.
	Language string
}

// PESData contains a reassembled Packetized Elementary Stream.
type PESData struct {
	Data   []byte
	Header *PESHeader
}

// PESHeader contains the parsed PES packet header.
type PESHeader struct {
	OptionalHeader *PESOptionalHeader
	StreamID       uint8
}

// PESOptionalHeader carries optional PES fields including timestamps.
type PESOptionalHeader struct {
	PTS *ClockReference
	DTS *ClockReference
}

// ClockReference holds a 33-bit MPEG-TS timestamp base value (90 kHz clock).
type ClockReference struct {
	Base int64
}

// Timestamps returns the PTS and DTS of the PES in 90 kHz ticks. DTS falls
// back to PTS when absent. ok is false if the PES carries no PTS.
func (p *PESData) Timestamps() (pts, dts int64, ok bool) {
	if p.Header == nil || p.Header.OptionalHeader == nil || p.Header.OptionalHeader.PTS == nil {
		return 0, 0, false
	}
	pts = p.Header.OptionalHeader.PTS.Base
	dts = pts
	if p.Header.OptionalHeader.DTS != nil {
		dts = p.Header.OptionalHeader.DTS.Base
	}
	return pts, dts, true
}

// Well-known stream_type values from ISO/IEC 13818-1 and ATSC A/52.
const (
	StreamTypeMPEG1Audio = 0x03
	StreamTypeMPEG2Audio = 0x04
	StreamTypeAAC        = 0x0F
	StreamTypeH264       = 0x1B
	StreamTypeH265       = 0x24
	StreamTypeAC3        = 0x81
	StreamTypeSCTE35     = 0x86
)
