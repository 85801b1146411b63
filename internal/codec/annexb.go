package codec

// H.264 NAL unit types (ITU-T H.264 Table 7-1).
const (
	NALTypeSlice = 1
	NALTypeIDR   = 5
	NALTypeSEI   = 6
	NALTypeSPS   = 7
	NALTypePPS   = 8
	NALTypeAUD   = 9
)

// H.265 NAL unit types (ITU-T H.265 Table 7-1).
const (
	HEVCNALBlaWLP    = 16
	HEVCNALCraNut    = 21
	HEVCNALVPS       = 32
	HEVCNALSPS       = 33
	HEVCNALPPS       = 34
	HEVCNALSEIPrefix = 39
)

// NALUnit is one NAL unit split out of an Annex B stream.
type NALUnit struct {
	Type byte   // 5-bit H.264 or 6-bit H.265 type
	Data []byte // NAL header and payload, without start code
}

// splitAnnexB returns the NAL payloads between 3- or 4-byte start codes,
// skipping any shorter than minLen.
func splitAnnexB(data []byte, minLen int) [][]byte {
	var nals [][]byte
	start := -1
	n := len(data)
	for i := 0; i+2 < n; {
		if data[i] != 0 || data[i+1] != 0 {
			i++
			continue
		}
		scLen := 0
		switch {
		case data[i+2] == 1:
			scLen = 3
		case i+3 < n && data[i+2] == 0 && data[i+3] == 1:
			scLen = 4
		default:
			i++
			continue
		}
		if start >= 0 && i-start >= minLen {
			nals = append(nals, data[start:i])
		}
		i += scLen
		start = i
	}
	if start >= 0 && n-start >= minLen {
		nals = append(nals, data[start:])
	}
	return nals
}

// ParseAnnexB splits an H.264 Annex B stream into NAL units.
func ParseAnnexB(data []byte) []NALUnit {
	var units []NALUnit
	for _, nal := range splitAnnexB(data, 1) {
		units = append(units, NALUnit{Type: nal[0] & 0x1F, Data: nal})
	}
	return units
}

// ParseAnnexBHEVC splits an H.265 Annex B stream into NAL units using the
// 2-byte HEVC NAL header.
func ParseAnnexBHEVC(data []byte) []NALUnit {
	var units []NALUnit
	for _, nal := range splitAnnexB(data, 2) {
		units = append(units, NALUnit{Type: (nal[0] >> 1) & 0x3F, Data: nal})
	}
	return units
}

// IsKeyframe reports whether an H.264 NAL type is an IDR slice.
func IsKeyframe(nalType byte) bool {
	return nalType == NALTypeIDR
}

// IsHEVCKeyframe reports whether an H.265 NAL type is a random access point
// (BLA, IDR or CRA).
func IsHEVCKeyframe(nalType byte) bool {
	return nalType >= HEVCNALBlaWLP && nalType <= HEVCNALCraNut
}
