package mpegts

import "sort"

const pidPAT = 0x0000

// programMap tracks which PIDs carry PMT sections.
type programMap map[uint16]bool

func (pm programMap) isPSI(pid uint16) bool {
	return pid == pidPAT || pm[pid]
}

// accumulator buffers the packets of one PID until a unit boundary.
type accumulator struct {
	pid     uint16
	packets []*Packet
	psi     func(uint16) bool
}

func (a *accumulator) add(p *Packet) []*Packet {
	if p.Header.TransportErrorIndicator {
		a.packets = nil
		return nil
	}
	if !p.Header.HasPayload {
		return nil
	}

	// A signaled discontinuity makes any CC jump legal.
	if n := len(a.packets); n > 0 && !p.Header.DiscontinuityIndicator {
		prev := a.packets[n-1].Header.ContinuityCounter
		if p.Header.ContinuityCounter != (prev+1)&0x0F {
			if p.Header.ContinuityCounter == prev {
				return nil // duplicate
			}
			a.packets = nil
		}
	}

	// A continuation with nothing buffered belongs to a unit we never saw
	// start, typically right after a seek.
	if len(a.packets) == 0 && !p.Header.PayloadUnitStartIndicator {
		return nil
	}

	var flushed []*Packet
	if p.Header.PayloadUnitStartIndicator && len(a.packets) > 0 {
		flushed = a.packets
		a.packets = nil
	}
	a.packets = append(a.packets, p)

	if flushed == nil && a.psi(a.pid) && isPSIComplete(a.packets) {
		flushed = a.packets
		a.packets = nil
	}
	return flushed
}

func (a *accumulator) flush() []*Packet {
	flushed := a.packets
	a.packets = nil
	return flushed
}

// isPSIComplete checks whether the accumulated payloads hold complete sections.
func isPSIComplete(packets []*Packet) bool {
	payload := concatPayloads(packets)
	if len(payload) < 1 {
		return false
	}

	offset := 1 + int(payload[0])
	if offset >= len(payload) {
		return false
	}
	for offset < len(payload) {
		if payload[offset] == 0xFF {
			return true
		}
		if offset+3 > len(payload) {
			return false
		}
		if payload[offset+1]&0x80 == 0 {
			return true
		}
		needed := 3 + sectionLength(payload[offset:])
		if offset+needed > len(payload) {
			return false
		}
		offset += needed
	}
	return true
}

func concatPayloads(packets []*Packet) []byte {
	var payload []byte
	for _, p := range packets {
		payload = append(payload, p.Payload...)
	}
	return payload
}

// packetPool owns one accumulator per PID.
type packetPool struct {
	accs       map[uint16]*accumulator
	programMap programMap
}

func newPacketPool(pm programMap) *packetPool {
	return &packetPool{
		accs:       make(map[uint16]*accumulator),
		programMap: pm,
	}
}

func (pp *packetPool) add(p *Packet) []*Packet {
	pid := p.Header.PID
	acc, ok := pp.accs[pid]
	if !ok {
		acc = &accumulator{pid: pid, psi: pp.programMap.isPSI}
		pp.accs[pid] = acc
	}
	return acc.add(p)
}

// dump flushes every accumulator, PAT first so PMT PIDs are known when
// their sections are parsed.
func (pp *packetPool) dump() [][]*Packet {
	pids := make([]int, 0, len(pp.accs))
	for pid := range pp.accs {
		pids = append(pids, int(pid))
	}
	sort.Ints(pids)

	var all [][]*Packet
	for _, pid := range pids {
		if packets := pp.accs[uint16(pid)].flush(); packets != nil {
			all = append(all, packets)
		}
	}
	return all
}

func (pp *packetPool) reset() {
	clear(pp.accs)
}
