package codec

import "testing"

func benchSlice() []byte {
	// Mixed content: long sky/ground runs with textured bands in between,
	// resembling a rendered slice.
	pix := make([]byte, 320*60)
	for row := 0; row < 60; row++ {
		for x := 0; x < 320; x++ {
			switch {
			case row < 20:
				pix[row*320+x] = 0b00010011
			case row >= 40:
				pix[row*320+x] = 0b00010000
			default:
				pix[row*320+x] = byte((x/4 + row) % 64)
			}
		}
	}
	return pix
}

func BenchmarkEncodeSlice(b *testing.B) {
	pix := benchSlice()
	dst := make([]byte, MaxEncodedLen(len(pix)))
	b.SetBytes(int64(len(pix)))
	for b.Loop() {
		if _, err := EncodeSlice(pix, 320, 60, dst); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkDecodeSlice(b *testing.B) {
	pix := benchSlice()
	enc := make([]byte, MaxEncodedLen(len(pix)))
	n, err := EncodeSlice(pix, 320, 60, enc)
	if err != nil {
		b.Fatal(err)
	}
	dst := make([]byte, len(pix))
	b.SetBytes(int64(len(pix)))
	for b.Loop() {
		if _, err := DecodeSlice(enc[:n], dst); err != nil {
			b.Fatal(err)
		}
	}
}
