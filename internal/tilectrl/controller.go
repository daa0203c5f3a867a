// Package tilectrl computes the per-frame allocation of horizontal screen
// area across render streams, redistributing the view over the streams that
// completed the previous frame.
package tilectrl

import (
	"math/bits"

	"github.com/zsiec/raylink/internal/protocol"
)

// Layout assigns one tile per stream for the given active-stream bitmask.
// Active streams partition [-1, +1] evenly in stream-id order; inactive
// streams keep their ideal full-partition slot so they rejoin at their
// native tile when they recover. A zero mask falls back to the ideal layout
// for every stream.
func Layout(mask uint32, numStreams int) []protocol.Tile {
	all := uint32(1)<<uint(numStreams) - 1
	mask &= all

	tiles := make([]protocol.Tile, numStreams)
	deltaIdeal := 2.0 / float32(numStreams)

	active := bits.OnesCount32(mask)
	if active == 0 {
		for i := range tiles {
			tiles[i] = protocol.Tile{XScale: deltaIdeal, XOffset: deltaIdeal*float32(i) - 1}
		}
		return tiles
	}

	deltaActive := 2.0 / float32(active)
	for i := range tiles {
		if mask&(1<<uint(i)) != 0 {
			rank := bits.OnesCount32(mask & (1<<uint(i) - 1))
			tiles[i] = protocol.Tile{XScale: deltaActive, XOffset: deltaActive*float32(rank) - 1}
		} else {
			tiles[i] = protocol.Tile{XScale: deltaIdeal, XOffset: deltaIdeal*float32(i) - 1}
		}
	}
	return tiles
}

// Controller tracks the effective active-stream set across frames, with
// optional debouncing to damp single-frame flicker from bursty packet loss.
// The initial mask is all streams active.
type Controller struct {
	numStreams int
	debounce   int

	activeMask uint32
	pending    uint32
	pendingRun int
}

// New creates a controller reacting immediately to mask changes.
func New(numStreams int) *Controller {
	return NewWithDebounce(numStreams, 0)
}

// NewWithDebounce creates a controller that requires a changed mask to
// persist for debounce consecutive frames before the active set changes.
func NewWithDebounce(numStreams, debounce int) *Controller {
	return &Controller{
		numStreams: numStreams,
		debounce:   debounce,
		activeMask: 1<<uint(numStreams) - 1,
	}
}

// ActiveMask returns the current effective mask.
func (c *Controller) ActiveMask() uint32 { return c.activeMask }

// Observe feeds the previous frame's stream bitmask and returns the tile
// layout for the next frame.
func (c *Controller) Observe(mask uint32) []protocol.Tile {
	mask &= 1<<uint(c.numStreams) - 1

	switch {
	case mask == c.activeMask:
		c.pendingRun = 0
	case c.debounce <= 1:
		c.activeMask = mask
		c.pendingRun = 0
	case mask == c.pending:
		c.pendingRun++
		if c.pendingRun >= c.debounce {
			c.activeMask = mask
			c.pendingRun = 0
		}
	default:
		c.pending = mask
		c.pendingRun = 1
	}

	return Layout(c.activeMask, c.numStreams)
}

// Commands pairs one pose with each tile of a layout. The pose is broadcast
// identically to all streams; only the tile differs.
func Commands(pose protocol.Pose, tiles []protocol.Tile) []protocol.RenderCommand {
	cmds := make([]protocol.RenderCommand, len(tiles))
	for i, tile := range tiles {
		cmds[i] = protocol.RenderCommand{Pose: pose, Tile: tile}
	}
	return cmds
}
