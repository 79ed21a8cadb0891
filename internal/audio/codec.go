// Package audio provides sample-format conversion between the telephony
// leg's 8-bit biased linear PCM and the WebRTC leg's 16-bit signed linear
// PCM, plus the fixed-size frame type streamed between the two.
package audio

import (
	"errors"
	"time"
)

// Bias is the midpoint of the 8-bit unsigned sample range.
// Telephony silence is the biased byte 0x80.
const Bias = 0x80

// Silence is the 8-bit biased representation of a zero sample.
const Silence byte = 0x80

// ErrInvalidFrameLength is returned when an input buffer is not a whole
// number of samples for its format.
var ErrInvalidFrameLength = errors.New("audio: invalid frame length")

// Format identifies the sample encoding of a frame.
type Format int

const (
	// Legacy8 is 8-bit unsigned linear PCM biased by 128 (telephony side).
	Legacy8 Format = iota
	// Media16 is 16-bit signed little-endian linear PCM (WebRTC side).
	Media16
)

// String returns the string representation of Format.
func (f Format) String() string {
	switch f {
	case Legacy8:
		return "legacy8"
	case Media16:
		return "media16"
	default:
		return "unknown"
	}
}

// Clock is the fixed sample rate shared by both legs.
const Clock = 8000

// FrameDuration is the duration of one streamed frame.
const FrameDuration = 20 * time.Millisecond

// SamplesPerFrame is the number of samples in one 20ms frame at 8kHz.
const SamplesPerFrame = Clock * int(FrameDuration) / int(time.Second)

// ToMediaFormat converts 8-bit biased unsigned samples to 16-bit signed
// little-endian samples. The conversion is a linear un-bias and widen,
// bit-exact with the telephony leg's sample contract: 0x80 maps to 0,
// 0x00 to -32768, 0xFF to 32512. The output buffer is freshly allocated.
func ToMediaFormat(in []byte) ([]byte, error) {
	out := make([]byte, len(in)*2)
	for i, s := range in {
		v := (int16(s) - Bias) << 8
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out, nil
}

// ToLegacyFormat converts 16-bit signed little-endian samples to 8-bit
// biased unsigned samples by truncating to the high byte and re-biasing.
// Input length must be a multiple of 2.
func ToLegacyFormat(in []byte) ([]byte, error) {
	if len(in)%2 != 0 {
		return nil, ErrInvalidFrameLength
	}
	out := make([]byte, len(in)/2)
	for i := 0; i < len(out); i++ {
		v := int16(in[i*2]) | int16(in[i*2+1])<<8
		out[i] = byte(v>>8) + Bias
	}
	return out, nil
}

// Frame is one fixed-duration buffer of audio passed between the legs.
// PTS advances by SamplesPerFrame per frame and is expressed in samples
// at the 8kHz clock.
type Frame struct {
	Data   []byte
	Format Format
	PTS    int64
}

// Samples returns the number of samples in the frame.
func (f Frame) Samples() int {
	if f.Format == Media16 {
		return len(f.Data) / 2
	}
	return len(f.Data)
}

// SilenceFrame returns a Legacy8 frame of pre-silence bytes with the
// given presentation timestamp. Used to keep the outbound media track
// fed while the telephony leg is not answered.
func SilenceFrame(pts int64) Frame {
	data := make([]byte, SamplesPerFrame)
	for i := range data {
		data[i] = Silence
	}
	return Frame{Data: data, Format: Legacy8, PTS: pts}
}
