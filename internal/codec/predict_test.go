package codec

import (
	"bytes"
	"testing"

	"github.com/zsiec/raylink/internal/bitstream"
)

func TestPredictiveRoundTrip(t *testing.T) {
	t.Parallel()
	const w, h = 40, 12

	tests := []struct {
		name string
		gen  func(row, col int) byte
	}{
		{"constant", func(row, col int) byte { return 0b01001001 }},
		{"gradient", func(row, col int) byte { return joinRGB233(col % 4, row % 8, (row + col) % 8) }},
		{"checker", func(row, col int) byte {
			if (row+col)%2 == 0 {
				return 0xFF
			}
			return 0x00
		}},
		{"noisy", func(row, col int) byte { return byte((row*31 + col*17) % 256) }},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			pix := make([]byte, w*h)
			for row := 0; row < h; row++ {
				for col := 0; col < w; col++ {
					pix[row*w+col] = tc.gen(row, col)
				}
			}

			buf := make([]byte, 8*w*h)
			bw := bitstream.NewWriter(buf)
			EncodeSlicePredictive(pix, w, h, bw)
			if err := bw.Flush(); err != nil {
				t.Fatal(err)
			}

			dec := make([]byte, w*h)
			br := bitstream.NewReader(bw.Bytes())
			if err := DecodeSlicePredictive(br, dec, w, h); err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(dec, pix) {
				t.Error("round-trip mismatch")
			}
		})
	}
}

func TestPredictiveUnderflow(t *testing.T) {
	t.Parallel()
	dst := make([]byte, 16*16)
	br := bitstream.NewReader([]byte{0x00})
	if err := DecodeSlicePredictive(br, dst, 16, 16); err == nil {
		t.Error("expected underflow decoding a one-byte stream")
	}
}

func TestMedPredict(t *testing.T) {
	t.Parallel()
	tests := []struct {
		a, b, c, want int
	}{
		{3, 5, 6, 3}, // c above both: min
		{3, 5, 1, 5}, // c below both: max
		{3, 5, 4, 4}, // between: planar
		{5, 5, 5, 5},
	}
	for _, tc := range tests {
		if got := medPredict(tc.a, tc.b, tc.c); got != tc.want {
			t.Errorf("medPredict(%d,%d,%d) = %d, want %d", tc.a, tc.b, tc.c, got, tc.want)
		}
	}
}

func TestRGB233SplitJoin(t *testing.T) {
	t.Parallel()
	for v := 0; v < 256; v++ {
		r, g, b := splitRGB233(byte(v))
		if got := joinRGB233(r, g, b); got != byte(v) {
			t.Fatalf("join(split(%#02x)) = %#02x", v, got)
		}
	}
}
