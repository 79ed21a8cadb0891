package audio

import (
	"bytes"
	"testing"
)

func TestSilenceMapsToZeroAndBack(t *testing.T) {
	wide, err := ToMediaFormat([]byte{Silence})
	if err != nil {
		t.Fatalf("ToMediaFormat: %v", err)
	}
	if wide[0] != 0 || wide[1] != 0 {
		t.Errorf("silence byte 0x80 = %v, want 16-bit zero", wide)
	}

	narrow, err := ToLegacyFormat(wide)
	if err != nil {
		t.Fatalf("ToLegacyFormat: %v", err)
	}
	if narrow[0] != Silence {
		t.Errorf("round trip of silence = %#x, want 0x80", narrow[0])
	}
}

func TestFullScaleSamples(t *testing.T) {
	cases := []struct {
		in   byte
		want int16
	}{
		{0x00, -32768},
		{0x80, 0},
		{0xFF, 32512},
	}
	for _, tc := range cases {
		wide, err := ToMediaFormat([]byte{tc.in})
		if err != nil {
			t.Fatalf("ToMediaFormat(%#x): %v", tc.in, err)
		}
		got := int16(wide[0]) | int16(wide[1])<<8
		if got != tc.want {
			t.Errorf("ToMediaFormat(%#x) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

// The narrowing direction is lossy, but narrowing an already-narrowed
// buffer must be stable: toLegacy(toMedia(toLegacy(x))) == toLegacy(x).
func TestRoundTripStability(t *testing.T) {
	src := make([]byte, 320)
	for i := range src {
		// Spread across the 16-bit range, both signs.
		v := int16((i * 411) - 32768)
		if i%2 == 0 {
			src[i] = byte(v)
		} else {
			src[i] = byte(v >> 8)
		}
	}

	narrowed, err := ToLegacyFormat(src)
	if err != nil {
		t.Fatalf("ToLegacyFormat: %v", err)
	}
	widened, err := ToMediaFormat(narrowed)
	if err != nil {
		t.Fatalf("ToMediaFormat: %v", err)
	}
	again, err := ToLegacyFormat(widened)
	if err != nil {
		t.Fatalf("ToLegacyFormat (second): %v", err)
	}
	if !bytes.Equal(narrowed, again) {
		t.Error("narrow->widen->narrow is not stable")
	}
}

func TestOddLengthRejected(t *testing.T) {
	if _, err := ToLegacyFormat(make([]byte, 321)); err != ErrInvalidFrameLength {
		t.Errorf("ToLegacyFormat(odd) err = %v, want ErrInvalidFrameLength", err)
	}
}

func TestZeroLengthInput(t *testing.T) {
	out, err := ToMediaFormat(nil)
	if err != nil || len(out) != 0 {
		t.Errorf("ToMediaFormat(nil) = %v, %v; want empty, nil", out, err)
	}
	out, err = ToLegacyFormat(nil)
	if err != nil || len(out) != 0 {
		t.Errorf("ToLegacyFormat(nil) = %v, %v; want empty, nil", out, err)
	}
}

func TestSilenceFrame(t *testing.T) {
	f := SilenceFrame(320)
	if f.Samples() != SamplesPerFrame {
		t.Fatalf("Samples() = %d, want %d", f.Samples(), SamplesPerFrame)
	}
	if f.PTS != 320 {
		t.Errorf("PTS = %d, want 320", f.PTS)
	}
	for i, b := range f.Data {
		if b != Silence {
			t.Fatalf("Data[%d] = %#x, want 0x80", i, b)
		}
	}
}
