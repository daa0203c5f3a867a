// Package render implements the reference scene renderer: a DDA raycaster
// over a fixed wall grid, producing 8-bit RGB233 pixels one horizontal slice
// at a time. The server accepts any renderer with this shape; this package
// is the default scene source.
package render

import (
	"fmt"
	"math"

	lru "github.com/hashicorp/golang-lru"

	"github.com/zsiec/raylink/internal/protocol"
)

const (
	skyColor    = 0b00010011
	groundColor = 0b00010000

	// minHitDist clamps the perpendicular wall distance so degenerate rays
	// near a wall do not explode the projected wall height.
	minHitDist = 0.1

	texColumnCacheSize = 256
)

// Raycaster renders horizontal slices of the scene for a given pose and
// tile. It is not safe for concurrent use; the server pipeline drives it
// from the single renderer goroutine.
type Raycaster struct {
	width       int
	height      int
	sliceHeight int

	// texCache holds recently fetched texture columns keyed by
	// (texture id << 8 | texture x).
	texCache *lru.Cache
}

// New creates a Raycaster for the given screen geometry.
func New(width, height, numSlices int) (*Raycaster, error) {
	if width <= 0 || height <= 0 || numSlices <= 0 || height%numSlices != 0 {
		return nil, fmt.Errorf("render: invalid geometry %dx%d/%d", width, height, numSlices)
	}
	cache, err := lru.New(texColumnCacheSize)
	if err != nil {
		return nil, fmt.Errorf("render: creating texture cache: %w", err)
	}
	return &Raycaster{
		width:       width,
		height:      height,
		sliceHeight: height / numSlices,
		texCache:    cache,
	}, nil
}

// SliceHeight returns the pixel height of one slice.
func (r *Raycaster) SliceHeight() int { return r.sliceHeight }

// RenderSlice renders slice sliceID for the given command into dst, a
// row-major width×sliceHeight pixel buffer.
func (r *Raycaster) RenderSlice(cmd protocol.RenderCommand, sliceID int, dst []byte) {
	rowStart := sliceID * r.sliceHeight
	xScale := cmd.Tile.XScale / float32(r.width)

	for x := 0; x < r.width; x++ {
		camX := float32(x)*xScale + cmd.Tile.XOffset
		col := r.castColumn(cmd.Pose, camX)
		r.shadeColumn(col, x, rowStart, dst)
	}
}

// column describes the wall hit of one screen column.
type column struct {
	hit       uint8 // wall cell value, 0 when the ray left the map
	wallLen   int
	wallStart int
	wallStop  int
	texCol    []byte
	texStep   float32
}

func (r *Raycaster) castColumn(pose protocol.Pose, camX float32) column {
	rayDirX := pose.DirX + pose.PlaneX*camX
	rayDirY := pose.DirY + pose.PlaneY*camX

	mapX := int(pose.PosX)
	mapY := int(pose.PosY)

	deltaDistX := float32(1e30)
	if rayDirX != 0 {
		deltaDistX = abs32(1 / rayDirX)
	}
	deltaDistY := float32(1e30)
	if rayDirY != 0 {
		deltaDistY = abs32(1 / rayDirY)
	}

	var stepX, stepY int
	var sideDistX, sideDistY float32
	if rayDirX < 0 {
		stepX = -1
		sideDistX = (pose.PosX - float32(mapX)) * deltaDistX
	} else {
		stepX = 1
		sideDistX = (float32(mapX) + 1 - pose.PosX) * deltaDistX
	}
	if rayDirY < 0 {
		stepY = -1
		sideDistY = (pose.PosY - float32(mapY)) * deltaDistY
	} else {
		stepY = 1
		sideDistY = (float32(mapY) + 1 - pose.PosY) * deltaDistY
	}

	// DDA walk until a wall cell or the map edge.
	frontSide := true
	var hit uint8
	for mapX >= 0 && mapX < mapSizeX && mapY >= 0 && mapY < mapSizeY {
		hit = worldMap[mapX][mapY]
		if hit > 0 {
			break
		}
		if sideDistX < sideDistY {
			sideDistX += deltaDistX
			mapX += stepX
			frontSide = false
		} else {
			sideDistY += deltaDistY
			mapY += stepY
			frontSide = true
		}
	}

	var hitDist float32
	if frontSide {
		hitDist = sideDistY - deltaDistY
	} else {
		hitDist = sideDistX - deltaDistX
	}
	if hitDist < minHitDist {
		hitDist = minHitDist
	}

	col := column{hit: hit}
	col.wallLen = int(float32(r.height) / hitDist)
	if col.wallLen < 1 {
		col.wallLen = 1
	}
	col.wallStart = maxInt((r.height-col.wallLen)/2, 0)
	col.wallStop = minInt((r.height+col.wallLen)/2, r.height)

	if hit == 0 {
		return col
	}

	var texU float32
	if frontSide {
		texU = pose.PosX + hitDist*rayDirX
	} else {
		texU = pose.PosY + hitDist*rayDirY
	}
	texU -= float32(math.Floor(float64(texU)))

	texX := int(texU * texSize)
	if (!frontSide && rayDirX > 0) || (frontSide && rayDirY < 0) {
		texX = texSize - 1 - texX
	}
	texX &= texSize - 1

	col.texCol = r.textureColumn(int(hit)-1, texX)
	col.texStep = float32(texSize) / float32(col.wallLen)
	return col
}

// shadeColumn writes the visible rows of one screen column into the slice
// buffer.
func (r *Raycaster) shadeColumn(col column, x, rowStart int, dst []byte) {
	for i := 0; i < r.sliceHeight; i++ {
		row := rowStart + i
		var c byte
		switch {
		case row < col.wallStart || col.hit == 0 && row < r.height/2:
			c = skyColor
		case row >= col.wallStop || col.hit == 0:
			c = groundColor
		default:
			texY := int(float32(row-(r.height-col.wallLen)/2)*col.texStep) & (texSize - 1)
			c = col.texCol[texY]
		}
		dst[i*r.width+x] = c
	}
}

func (r *Raycaster) textureColumn(id, x int) []byte {
	key := id<<8 | x
	if v, ok := r.texCache.Get(key); ok {
		return v.([]byte)
	}
	col := texColumn(id, x)
	r.texCache.Add(key, col)
	return col
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
