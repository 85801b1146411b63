// Package codec inspects compressed elementary stream payloads: ADTS
// framing for AAC, Annex B NAL splitting for H.264/H.265, and the H.264 SPS
// fields the video sink reports.
package codec

import "errors"

// ErrInvalidADTS is returned when an ADTS header is malformed.
var ErrInvalidADTS = errors.New("invalid ADTS header")

// AAC sample rate index table (ISO 14496-3)
var aacSampleRates = [...]int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350,
}

// AACFrame is a single AAC frame located inside an ADTS stream.
type AACFrame struct {
	Data       []byte // complete ADTS frame (header + payload)
	SampleRate int
	Channels   int
}

// SamplesPerFrame is the AAC-LC frame length in PCM samples.
const SamplesPerFrame = 1024

// ParseADTS splits an ADTS byte stream into AAC frames. Bytes before a sync
// word are skipped; a truncated trailing frame is ignored.
func ParseADTS(data []byte) ([]AACFrame, error) {
	var frames []AACFrame
	for offset := 0; len(data)-offset >= 7; {
		hdr := data[offset:]
		if hdr[0] != 0xFF || hdr[1]&0xF0 != 0xF0 {
			offset++
			continue
		}

		headerSize := 7
		if hdr[1]&0x01 == 0 {
			headerSize = 9 // CRC present
		}

		srIdx := int(hdr[2]>>2) & 0x0F
		if srIdx >= len(aacSampleRates) {
			return frames, ErrInvalidADTS
		}
		channels := int(hdr[2]&0x01)<<2 | int(hdr[3]>>6)&0x03
		frameLen := int(hdr[3]&0x03)<<11 | int(hdr[4])<<3 | int(hdr[5]>>5)
		if frameLen < headerSize || offset+frameLen > len(data) {
			break
		}

		frames = append(frames, AACFrame{
			Data:       data[offset : offset+frameLen],
			SampleRate: aacSampleRates[srIdx],
			Channels:   channels,
		})
		offset += frameLen
	}
	return frames, nil
}
