package codec

import (
	"github.com/zsiec/raylink/internal/bitstream"
)

// Predictive codec: a JPEG-LS-style fixed predictor over the three RGB233
// channels with zigzag-mapped residuals in unary code. Kept as a non-default
// alternate; the wire format uses the RLE codec in rle.go.

func splitRGB233(x byte) (r, g, b int) {
	return int(x>>6) & 0b011, int(x>>3) & 0b111, int(x) & 0b111
}

func joinRGB233(r, g, b int) byte {
	return byte((r&0b011)<<6 | (g&0b111)<<3 | b&0b111)
}

func zigzagEncode(x int) int { return (x >> 31) ^ (x << 1) }

func zigzagDecode(x int) int { return (x >> 1) ^ -(x & 1) }

// medPredict is the median edge detector: it clamps the planar prediction
// a+b-c to [min(a,b), max(a,b)].
func medPredict(a, b, c int) int {
	lo, hi := a, b
	if lo > hi {
		lo, hi = hi, lo
	}
	switch {
	case c >= hi:
		return lo
	case c <= lo:
		return hi
	default:
		return a + b - c
	}
}

// neighbors returns the left, above, and above-left pixels of (row, col),
// substituting zero outside the slice.
func neighbors(pix []byte, width, row, col int) (a, b, c byte) {
	if col > 0 {
		a = pix[row*width+col-1]
	}
	if row > 0 {
		b = pix[(row-1)*width+col]
	}
	if row > 0 && col > 0 {
		c = pix[(row-1)*width+col-1]
	}
	return a, b, c
}

// EncodeSlicePredictive encodes a width×height row-major pixel slice into the
// bitstream writer. The caller must Flush the writer afterwards.
func EncodeSlicePredictive(pix []byte, width, height int, w *bitstream.Writer) {
	for row := 0; row < height; row++ {
		for col := 0; col < width; col++ {
			a, b, c := neighbors(pix, width, row, col)
			ar, ag, ab := splitRGB233(a)
			br, bg, bb := splitRGB233(b)
			cr, cg, cb := splitRGB233(c)
			xr, xg, xb := splitRGB233(pix[row*width+col])

			for _, ch := range [3][4]int{
				{ar, br, cr, xr},
				{ag, bg, cg, xg},
				{ab, bb, cb, xb},
			} {
				pred := medPredict(ch[0], ch[1], ch[2])
				resd := ch[3] - pred
				// Unary: zigzag(resd) zero bits followed by a one bit.
				w.WriteBits(1, zigzagEncode(resd)+1)
			}
		}
	}
}

// DecodeSlicePredictive decodes width×height pixels from the bitstream reader
// into dst. A stream that ends early fails with bitstream.ErrUnderflow.
func DecodeSlicePredictive(r *bitstream.Reader, dst []byte, width, height int) error {
	for row := 0; row < height; row++ {
		for col := 0; col < width; col++ {
			a, b, c := neighbors(dst, width, row, col)
			ar, ag, ab := splitRGB233(a)
			br, bg, bb := splitRGB233(b)
			cr, cg, cb := splitRGB233(c)

			preds := [3][3]int{
				{ar, br, cr},
				{ag, bg, cg},
				{ab, bb, cb},
			}
			var ch [3]int
			for i, p := range preds {
				pred := medPredict(p[0], p[1], p[2])
				zeros := 0
				for {
					bit, err := r.ReadBit()
					if err != nil {
						return err
					}
					if bit != 0 {
						break
					}
					zeros++
				}
				ch[i] = pred + zigzagDecode(zeros)
			}
			dst[row*width+col] = joinRGB233(ch[0], ch[1], ch[2])
		}
	}
	return nil
}
