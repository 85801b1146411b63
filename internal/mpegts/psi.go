package mpegts

import (
	"errors"
	"fmt"
)

const (
	tableIDPAT = 0x00
	tableIDPMT = 0x02

	descriptorTagISO639 = 0x0A
)

func parsePSI(payload []byte, firstPacket *Packet) ([]*DemuxerData, error) {
	if len(payload) < 1 {
		return nil, errors.New("mpegts: PSI payload too short")
	}

	offset := 1 + int(payload[0]) // pointer_field
	if offset >= len(payload) {
		return nil, errors.New("mpegts: PSI pointer field out of range")
	}

	var results []*DemuxerData
	for offset+3 <= len(payload) {
		tableID := payload[offset]
		// 0xFF is stuffing; a clear section_syntax_indicator is zero padding.
		if tableID == 0xFF || payload[offset+1]&0x80 == 0 {
			break
		}

		sectionEnd := offset + 3 + sectionLength(payload[offset:])
		if sectionEnd > len(payload) {
			break
		}
		section := payload[offset:sectionEnd]

		switch tableID {
		case tableIDPAT:
			pat, err := parsePATSection(section)
			if err != nil {
				return results, err
			}
			results = append(results, &DemuxerData{FirstPacket: firstPacket, PAT: pat})
		case tableIDPMT:
			pmt, err := parsePMTSection(section)
			if err != nil {
				return results, err
			}
			results = append(results, &DemuxerData{FirstPacket: firstPacket, PMT: pmt})
		}

		offset = sectionEnd
	}

	return results, nil
}

func sectionLength(section []byte) int {
	return int(section[1]&0x0F)<<8 | int(section[2])
}

// parsePATSection decodes a PAT section. Layout after the 3-byte section
// header: transport_stream_id(2), version(1), section numbers(2), then
// 4-byte program entries and the CRC32.
func parsePATSection(data []byte) (*PATData, error) {
	if err := verifyCRC32(data); err != nil {
		return nil, fmt.Errorf("mpegts: PAT: %w", err)
	}
	if len(data) < 12 {
		return nil, errors.New("mpegts: PAT too short")
	}

	entryEnd := min(3+sectionLength(data)-4, len(data)-4)

	pat := &PATData{}
	for i := 8; i+4 <= entryEnd; i += 4 {
		programNumber := uint16(data[i])<<8 | uint16(data[i+1])
		if programNumber == 0 {
			continue // network PID
		}
		pat.Programs = append(pat.Programs, &PATProgram{
			ProgramNumber: programNumber,
			ProgramMapID:  uint16(data[i+2]&0x1F)<<8 | uint16(data[i+3]),
		})
	}
	return pat, nil
}

// parsePMTSection decodes a PMT section: program_number(2), version(1),
// section numbers(2), PCR_PID(2), program_info_length(2) and descriptors,
// then elementary stream entries and the CRC32.
func parsePMTSection(data []byte) (*PMTData, error) {
	if err := verifyCRC32(data); err != nil {
		return nil, fmt.Errorf("mpegts: PMT: %w", err)
	}
	if len(data) < 16 {
		return nil, errors.New("mpegts: PMT too short")
	}

	entriesEnd := min(3+sectionLength(data), len(data)) - 4
	programInfoLength := int(data[10]&0x0F)<<8 | int(data[11])

	pmt := &PMTData{
		ProgramNumber: uint16(data[3])<<8 | uint16(data[4]),
		PCRPID:        uint16(data[8]&0x1F)<<8 | uint16(data[9]),
	}

	offset := 12 + programInfoLength
	for offset+5 <= entriesEnd {
		esInfoLength := int(data[offset+3]&0x0F)<<8 | int(data[offset+4])
		es := &PMTElementaryStream{
			StreamType:    data[offset],
			ElementaryPID: uint16(data[offset+1]&0x1F)<<8 | uint16(data[offset+2]),
		}

		descEnd := min(offset+5+esInfoLength, entriesEnd)
		es.Language = findLanguage(data[offset+5 : descEnd])
		pmt.ElementaryStreams = append(pmt.ElementaryStreams, es)

		offset += 5 + esInfoLength
	}

	return pmt, nil
}

// findLanguage walks an ES descriptor loop for an ISO 639 language descriptor.
func findLanguage(descriptors []byte) string {
	for i := 0; i+2 <= len(descriptors); {
		tag, length := descriptors[i], int(descriptors[i+1])
		body := i + 2
		if body+length > len(descriptors) {
			return ""
		}
		if tag == descriptorTagISO639 && length >= 3 {
			return string(descriptors[body : body+3])
		}
		i = body + length
	}
	return ""
}
