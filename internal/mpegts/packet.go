package mpegts

import "fmt"

// PacketSize is the fixed size of a transport stream packet.
const PacketSize = 188

// SyncByte starts every transport stream packet.
const SyncByte = 0x47

func parsePacket(buf []byte) (*Packet, error) {
	if len(buf) != PacketSize {
		return nil, fmt.Errorf("mpegts: packet size %d, expected %d", len(buf), PacketSize)
	}
	if buf[0] != SyncByte {
		return nil, fmt.Errorf("mpegts: invalid sync byte 0x%02X", buf[0])
	}

	p := &Packet{Header: parseHeader(buf)}
	offset := payloadOffset(buf)

	if p.Header.HasAdaptationField && buf[4] > 0 {
		p.Header.DiscontinuityIndicator = buf[5]&0x80 != 0
	}

	if p.Header.HasPayload && offset < PacketSize {
		p.Payload = make([]byte, PacketSize-offset)
		copy(p.Payload, buf[offset:])
	}

	return p, nil
}

func parseHeader(buf []byte) PacketHeader {
	return PacketHeader{
		TransportErrorIndicator:   buf[1]&0x80 != 0,
		PayloadUnitStartIndicator: buf[1]&0x40 != 0,
		PID:                       uint16(buf[1]&0x1F)<<8 | uint16(buf[2]),
		HasAdaptationField:        buf[3]&0x20 != 0,
		HasPayload:                buf[3]&0x10 != 0,
		ContinuityCounter:         buf[3] & 0x0F,
	}
}

// payloadOffset returns the offset of the payload inside a full packet,
// clamped to PacketSize when the adaptation field fills the packet.
func payloadOffset(buf []byte) int {
	offset := 4
	if buf[3]&0x20 != 0 {
		offset += 1 + int(buf[4])
	}
	if offset > PacketSize {
		offset = PacketSize
	}
	return offset
}
