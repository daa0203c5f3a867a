// Package view is the presentation adapter: it exposes the per-stream
// decoded tiles, composites them into a single indexed image according to
// the frame's tile layout, and tracks a sliding frame-rate window for the
// window title. Palette interpretation of the 1-byte pixels is RGB233.
package view

import (
	"fmt"
	"image"
	"image/png"
	"io"
	"sync"
	"time"

	xdraw "golang.org/x/image/draw"

	"github.com/zsiec/raylink/internal/config"
	"github.com/zsiec/raylink/internal/protocol"
)

// fpsWindow is the sliding-window duration for the frame-rate average.
const fpsWindow = 2 * time.Second

// Frame describes what the last frame delivered: which streams completed,
// which slices each stream delivered, and the tile layout that was used.
type Frame struct {
	ActiveMask uint32
	SliceMasks []uint32
	Layout     []protocol.Tile
}

// Presenter composites per-stream screen buffers for display. The screen
// buffer is shared with the session; the display loop must only read it
// between Stop and the next Start.
type Presenter struct {
	cfg    *config.Config
	name   string
	screen []byte

	mu       sync.Mutex
	last     Frame
	fpsTimes []time.Time
}

// NewPresenter creates a Presenter over the session's screen buffer.
func NewPresenter(cfg *config.Config, screen []byte, name string) *Presenter {
	return &Presenter{cfg: cfg, name: name, screen: screen}
}

// Update records the outcome of a frame and advances the FPS window.
func (p *Presenter) Update(f Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last = f

	now := time.Now()
	p.fpsTimes = append(p.fpsTimes, now)
	cutoff := now.Add(-fpsWindow)
	i := 0
	for i < len(p.fpsTimes) && p.fpsTimes[i].Before(cutoff) {
		i++
	}
	p.fpsTimes = p.fpsTimes[i:]
}

// LastFrame returns the most recently recorded frame.
func (p *Presenter) LastFrame() Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// FPSAverage computes the frame rate over the sliding window.
func (p *Presenter) FPSAverage() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.fpsTimes) < 2 {
		return 0
	}
	dur := p.fpsTimes[len(p.fpsTimes)-1].Sub(p.fpsTimes[0]).Seconds()
	if dur <= 0 {
		return 0
	}
	return float64(len(p.fpsTimes)-1) / dur
}

// Title returns the window title string.
func (p *Presenter) Title() string {
	return fmt.Sprintf("%s | %.1f fps", p.name, p.FPSAverage())
}

// StreamImage wraps stream i's decoded full-frame buffer as an image
// without copying.
func (p *Presenter) StreamImage(i int) *image.Paletted {
	size := p.cfg.ScreenBufferSize()
	return &image.Paletted{
		Pix:     p.screen[i*size : (i+1)*size],
		Stride:  p.cfg.Screen.Width,
		Rect:    image.Rect(0, 0, p.cfg.Screen.Width, p.cfg.Screen.Height),
		Palette: Palette,
	}
}

// Compose squeezes each active stream's full-width render into the columns
// its tile covered, producing the on-screen frame. Rows of slices a stream
// failed to deliver are dimmed so stale content is visible.
func (p *Presenter) Compose() *image.Paletted {
	w, h := p.cfg.Screen.Width, p.cfg.Screen.Height
	dst := image.NewPaletted(image.Rect(0, 0, w, h), Palette)

	p.mu.Lock()
	f := p.last
	p.mu.Unlock()

	sliceH := p.cfg.SliceHeight()
	for i := 0; i < p.cfg.NumStreams(); i++ {
		if f.ActiveMask&(1<<uint(i)) == 0 || i >= len(f.Layout) {
			continue
		}
		tile := f.Layout[i]
		x0 := int((tile.XOffset + 1) / 2 * float32(w))
		x1 := int((tile.XOffset + tile.XScale + 1) / 2 * float32(w))
		if x0 < 0 {
			x0 = 0
		}
		if x1 > w {
			x1 = w
		}
		if x1 <= x0 {
			continue
		}

		var sliceMask uint32
		if i < len(f.SliceMasks) {
			sliceMask = f.SliceMasks[i]
		}

		src := p.screen[i*p.cfg.ScreenBufferSize():]
		for y := 0; y < h; y++ {
			stale := sliceMask&(1<<uint(y/sliceH)) == 0
			for x := x0; x < x1; x++ {
				srcX := (x - x0) * w / (x1 - x0)
				v := src[y*w+srcX]
				if stale {
					v = dimRGB233(v)
				}
				dst.Pix[y*dst.Stride+x] = v
			}
		}
	}
	return dst
}

// Scaled renders the composited frame at an integer scale factor using
// nearest-neighbor resampling.
func (p *Presenter) Scaled(scale int) *image.RGBA {
	src := p.Compose()
	out := image.NewRGBA(image.Rect(0, 0, src.Rect.Dx()*scale, src.Rect.Dy()*scale))
	xdraw.NearestNeighbor.Scale(out, out.Rect, src, src.Rect, xdraw.Src, nil)
	return out
}

// WritePNG writes the composited frame as a PNG at the given scale.
func (p *Presenter) WritePNG(w io.Writer, scale int) error {
	if scale <= 1 {
		return png.Encode(w, p.Compose())
	}
	return png.Encode(w, p.Scaled(scale))
}
