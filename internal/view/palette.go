package view

import "image/color"

// RGB233 pixel bytes: 2 bits red, 3 bits green, 3 bits blue, packed
// (r<<6)|(g<<3)|b. Palette maps every byte to its display color.
var Palette = buildPalette()

func buildPalette() color.Palette {
	p := make(color.Palette, 256)
	for v := 0; v < 256; v++ {
		r := (v >> 6) & 0b011
		g := (v >> 3) & 0b111
		b := v & 0b111
		p[v] = color.RGBA{
			R: uint8(r * 255 / 3),
			G: uint8(g * 255 / 7),
			B: uint8(b * 255 / 7),
			A: 255,
		}
	}
	return p
}

// dimRGB233 halves each channel, used to mark stale slices in the
// composited view.
func dimRGB233(v byte) byte {
	r := (v >> 6) & 0b011
	g := (v >> 3) & 0b111
	b := v & 0b111
	return byte(r/2<<6 | g/2<<3 | b/2)
}
