package tsgen

import (
	"fmt"
	"io"
	"time"

	"github.com/zsiec/tsdemux/internal/mpegts"
)

// ADTSFrame builds one AAC-LC ADTS frame (no CRC) of payloadLen zero bytes.
// sampleRateIndex follows ISO 14496-3 (3 = 48 kHz, 4 = 44.1 kHz).
func ADTSFrame(payloadLen, sampleRateIndex, channels int) []byte {
	frameLen := 7 + payloadLen
	hdr := []byte{
		0xFF,
		0xF1, // MPEG-4, layer 0, no CRC
		byte(1<<6) | byte(sampleRateIndex&0x0F)<<2 | byte(channels>>2&0x01),
		byte(channels&0x03)<<6 | byte(frameLen>>11&0x03),
		byte(frameLen >> 3),
		byte(frameLen&0x07)<<5 | 0x1F,
		0xFC,
	}
	return append(hdr, make([]byte, payloadLen)...)
}

// SPS builds a baseline H.264 SPS NAL unit (with header byte) describing a
// width x height picture. Both dimensions must be multiples of 16.
func SPS(width, height int) []byte {
	var bw bitWriter
	bw.bits(66, 8)   // profile_idc baseline
	bw.bits(0xC0, 8) // constraint flags
	bw.bits(30, 8)   // level_idc
	bw.ue(0)         // seq_parameter_set_id
	bw.ue(0)         // log2_max_frame_num_minus4
	bw.ue(2)         // pic_order_cnt_type
	bw.ue(1)         // max_num_ref_frames
	bw.bits(0, 1)    // gaps_in_frame_num_value_allowed_flag
	bw.ue(uint(width/16 - 1))
	bw.ue(uint(height/16 - 1))
	bw.bits(1, 1) // frame_mbs_only_flag
	bw.bits(1, 1) // direct_8x8_inference_flag
	bw.bits(0, 1) // frame_cropping_flag
	bw.bits(0, 1) // vui_parameters_present_flag
	bw.bits(1, 1) // rbsp_stop_one_bit
	return append([]byte{0x67}, AddEPB(bw.bytes())...)
}

// AccessUnit builds an Annex B H.264 access unit. Keyframes carry SPS, PPS
// and an IDR slice; other frames a single non-IDR slice.
func AccessUnit(keyframe bool, width, height int) []byte {
	startCode := []byte{0x00, 0x00, 0x00, 0x01}
	var au []byte
	if keyframe {
		au = append(au, startCode...)
		au = append(au, SPS(width, height)...)
		au = append(au, startCode...)
		au = append(au, 0x68, 0xCE, 0x38, 0x80)
		au = append(au, startCode...)
		return append(au, 0x65, 0x88, 0x84, 0x00, 0x33)
	}
	au = append(au, startCode...)
	return append(au, 0x41, 0x9A, 0x02, 0x04)
}

// CCPair is one CEA-608 byte pair. Field 0 carries CC1/CC2, field 1
// CC3/CC4. Parity is added by CaptionSEI.
type CCPair struct {
	Field        byte
	Data1, Data2 byte
}

// CaptionSEI builds an Annex B H.264 SEI NAL unit carrying ATSC A/53 GA94
// cc_data in a user_data_registered_itu_t_t35 message.
func CaptionSEI(pairs []CCPair) []byte {
	if len(pairs) > 31 {
		pairs = pairs[:31]
	}
	payload := []byte{
		0xB5,       // itu_t_t35_country_code (United States)
		0x00, 0x31, // itu_t_t35_provider_code (ATSC)
		'G', 'A', '9', '4',
		0x03, // user_data_type_code (cc_data)
		0x40 | byte(len(pairs)),
		0xFF, // em_data
	}
	for _, p := range pairs {
		payload = append(payload, 0xFC|p.Field&0x03, oddParity(p.Data1), oddParity(p.Data2))
	}
	payload = append(payload, 0xFF)

	msg := []byte{4} // payload type
	size := len(payload)
	for ; size >= 255; size -= 255 {
		msg = append(msg, 0xFF)
	}
	msg = append(msg, byte(size))
	msg = append(msg, payload...)
	msg = append(msg, 0x80) // rbsp trailing bits

	nal := []byte{0x00, 0x00, 0x00, 0x01, 0x06}
	return append(nal, AddEPB(msg)...)
}

// oddParity sets the high bit so b has odd parity.
func oddParity(b byte) byte {
	b &= 0x7F
	ones := 0
	for v := b; v != 0; v >>= 1 {
		ones += int(v & 1)
	}
	if ones%2 == 0 {
		return b | 0x80
	}
	return b
}

// AddEPB inserts H.264 emulation prevention bytes.
func AddEPB(data []byte) []byte {
	var out []byte
	zeros := 0
	for _, b := range data {
		if zeros >= 2 && b <= 0x03 {
			out = append(out, 0x03)
			zeros = 0
		}
		out = append(out, b)
		if b == 0x00 {
			zeros++
		} else {
			zeros = 0
		}
	}
	return out
}

type bitWriter struct {
	buf  []byte
	nbit int
}

func (w *bitWriter) bit(b uint) {
	if w.nbit%8 == 0 {
		w.buf = append(w.buf, 0)
	}
	if b != 0 {
		w.buf[len(w.buf)-1] |= 1 << (7 - w.nbit%8)
	}
	w.nbit++
}

func (w *bitWriter) bits(v uint, n int) {
	for i := n - 1; i >= 0; i-- {
		w.bit(v >> i & 1)
	}
}

// ue writes an Exp-Golomb unsigned value.
func (w *bitWriter) ue(v uint) {
	v++
	n := 0
	for t := v; t > 1; t >>= 1 {
		n++
	}
	w.bits(0, n)
	w.bits(v, n+1)
}

func (w *bitWriter) bytes() []byte { return w.buf }

// Config controls Generate.
type Config struct {
	Duration   time.Duration
	FrameRate  int // video frames per second, 0 disables video
	AudioRate  int // AAC sample rate, 0 disables audio
	Width      int
	Height     int
	GOP        int // frames per keyframe interval
	StartTicks int64
}

// DefaultConfig is a 320x240 25 fps H.264 + 48 kHz AAC stream of 10 seconds.
func DefaultConfig() Config {
	return Config{
		Duration:   10 * time.Second,
		FrameRate:  25,
		AudioRate:  48000,
		Width:      320,
		Height:     240,
		GOP:        25,
		StartTicks: 90000,
	}
}

var sampleRateIndex = map[int]int{48000: 3, 44100: 4, 32000: 5}

// Generate writes a complete interleaved stream to w and returns the number
// of video and audio PES packets written.
func Generate(w io.Writer, cfg Config) (video, audio int, err error) {
	var streams []Stream
	if cfg.FrameRate > 0 {
		streams = append(streams, Stream{PID: VideoPID, StreamType: mpegts.StreamTypeH264})
	}
	srIdx, ok := sampleRateIndex[cfg.AudioRate]
	if cfg.AudioRate > 0 {
		if !ok {
			return 0, 0, fmt.Errorf("tsgen: unsupported sample rate %d", cfg.AudioRate)
		}
		streams = append(streams, Stream{PID: AudioPID, StreamType: mpegts.StreamTypeAAC, Language: "eng"})
	}
	if len(streams) == 0 {
		return 0, 0, fmt.Errorf("tsgen: no streams enabled")
	}
	if cfg.GOP <= 0 {
		cfg.GOP = 1
	}

	m := NewMuxer(w, streams...)
	if err := m.WriteTables(); err != nil {
		return 0, 0, err
	}

	end := cfg.StartTicks + int64(cfg.Duration/time.Microsecond)*9/100
	var videoStep, audioStep int64
	if cfg.FrameRate > 0 {
		videoStep = 90000 / int64(cfg.FrameRate)
	}
	if cfg.AudioRate > 0 {
		audioStep = 1024 * 90000 / int64(cfg.AudioRate)
	}

	nextVideo, nextAudio := cfg.StartTicks, cfg.StartTicks
	for {
		doVideo := videoStep > 0 && nextVideo < end
		doAudio := audioStep > 0 && nextAudio < end
		if !doVideo && !doAudio {
			return video, audio, nil
		}

		if doVideo && (!doAudio || nextVideo <= nextAudio) {
			// Tables are repeated at each keyframe so a reader landing
			// mid-file still finds them.
			keyframe := video%cfg.GOP == 0
			if keyframe && video > 0 {
				if err := m.WriteTables(); err != nil {
					return video, audio, err
				}
			}
			au := AccessUnit(keyframe, cfg.Width, cfg.Height)
			if err := m.WritePES(VideoPID, nextVideo, nextVideo, au); err != nil {
				return video, audio, err
			}
			video++
			nextVideo += videoStep
			continue
		}

		if err := m.WritePES(AudioPID, nextAudio, -1, ADTSFrame(32, srIdx, 2)); err != nil {
			return video, audio, err
		}
		audio++
		nextAudio += audioStep
	}
}
