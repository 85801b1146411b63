package mpegts

// Align returns the offset of the first packet boundary in buf, confirmed by
// a second sync byte one packet later, or -1 if none is found.
func Align(buf []byte) int {
	for i := 0; i < PacketSize && i+PacketSize < len(buf); i++ {
		if buf[i] == SyncByte && buf[i+PacketSize] == SyncByte {
			return i
		}
	}
	if len(buf) >= PacketSize && len(buf) < 2*PacketSize && buf[0] == SyncByte {
		return 0
	}
	return -1
}

// ScanPTS returns the PTS, in 90 kHz ticks, of the first PES start found in
// the packet-aligned buffer on one of the given PIDs. A nil pids set accepts
// any PID.
func ScanPTS(buf []byte, pids map[uint16]bool) (int64, bool) {
	for off := 0; off+PacketSize <= len(buf); off += PacketSize {
		pkt := buf[off : off+PacketSize]
		if pkt[0] != SyncByte {
			continue
		}
		h := parseHeader(pkt)
		if !h.PayloadUnitStartIndicator || !h.HasPayload || h.TransportErrorIndicator {
			continue
		}
		if pids != nil && !pids[h.PID] {
			continue
		}

		payload := pkt[payloadOffset(pkt):]
		if !isPESPayload(payload) || len(payload) < 14 || !hasOptionalPESHeader(payload[3]) {
			continue
		}
		if payload[7]>>6&0x02 == 0 {
			continue
		}
		if ts := parseTimestamp(payload[9:14]); ts != nil {
			return ts.Base, true
		}
	}
	return 0, false
}
