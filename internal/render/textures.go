package render

// Wall textures are 64×64 RGB233 patterns generated on demand, one column at
// a time. Columns are cached so that consecutive screen columns hitting the
// same texture column reuse the fetch instead of regenerating 64 texels.

const (
	texSize     = 64
	numTextures = 8
)

func rgb233(r, g, b int) byte {
	return byte((r&0b011)<<6 | (g&0b111)<<3 | b&0b111)
}

// texel returns the texture pixel at (x, y) for the given texture id.
func texel(id, x, y int) byte {
	switch id % numTextures {
	case 0: // red brick
		if y%16 == 0 || (x+8*(y/16))%32 == 0 {
			return rgb233(1, 1, 1)
		}
		return rgb233(3, 1, 1)
	case 1: // mossy stone
		if (x/8+y/8)%2 == 0 {
			return rgb233(1, 3, 1)
		}
		return rgb233(1, 2, 2)
	case 2: // blue slab
		if x%32 < 2 || y%32 < 2 {
			return rgb233(0, 0, 3)
		}
		return rgb233(1, 2, 7)
	case 3: // gray checker
		if (x/4+y/4)%2 == 0 {
			return rgb233(2, 5, 5)
		}
		return rgb233(1, 3, 3)
	case 4: // diagonal stripes
		if (x+y)%16 < 8 {
			return rgb233(3, 6, 2)
		}
		return rgb233(2, 4, 1)
	case 5: // xor plasma
		v := (x ^ y) & 0x3F
		return rgb233(v>>4, v>>3, v>>3)
	case 6: // vertical planks
		if x%16 == 0 {
			return rgb233(1, 1, 0)
		}
		return rgb233(2, 3, 1)
	default: // horizontal gradient
		return rgb233(x>>4, x>>3, x>>3)
	}
}

// texColumn generates one full texture column.
func texColumn(id, x int) []byte {
	col := make([]byte, texSize)
	for y := range col {
		col[y] = texel(id, x, y)
	}
	return col
}
