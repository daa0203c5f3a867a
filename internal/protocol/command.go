package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

// CommandSize is the fixed wire size of a render command: a 42-byte
// little-endian layout of the pose followed by the tile.
const CommandSize = 42

// Pose is the camera state sampled once per frame at the client and
// broadcast verbatim to every server.
type Pose struct {
	Timestamp uint64 // monotonic capture time, nanoseconds
	FrameNum  uint16
	PosX      float32
	PosY      float32
	DirX      float32
	DirY      float32
	PlaneX    float32
	PlaneY    float32
}

// Tile is the horizontal sub-window of normalized screen space [-1, +1] a
// stream renders: column x of W maps to cam_x = x*XScale/W + XOffset.
type Tile struct {
	XScale  float32
	XOffset float32
}

// FullTile covers the whole normalized screen width.
var FullTile = Tile{XScale: 2, XOffset: -1}

// RenderCommand pairs the pose with the tile a server is asked to cover.
type RenderCommand struct {
	Pose Pose
	Tile Tile
}

// MarshalCommand encodes the command into buf, which must hold CommandSize
// bytes. Floats are IEEE-754 binary32, all fields little-endian.
func MarshalCommand(buf []byte, cmd RenderCommand) error {
	if len(buf) < CommandSize {
		return fmt.Errorf("protocol: command buffer %d bytes, expected %d", len(buf), CommandSize)
	}
	binary.LittleEndian.PutUint64(buf[0:8], cmd.Pose.Timestamp)
	binary.LittleEndian.PutUint16(buf[8:10], cmd.Pose.FrameNum)
	putFloat32(buf[10:], cmd.Pose.PosX)
	putFloat32(buf[14:], cmd.Pose.PosY)
	putFloat32(buf[18:], cmd.Pose.DirX)
	putFloat32(buf[22:], cmd.Pose.DirY)
	putFloat32(buf[26:], cmd.Pose.PlaneX)
	putFloat32(buf[30:], cmd.Pose.PlaneY)
	putFloat32(buf[34:], cmd.Tile.XScale)
	putFloat32(buf[38:], cmd.Tile.XOffset)
	return nil
}

// ParseCommand decodes a render command from buf, rejecting any datagram
// that is not exactly CommandSize bytes.
func ParseCommand(buf []byte) (RenderCommand, error) {
	if len(buf) != CommandSize {
		return RenderCommand{}, fmt.Errorf("protocol: command size %d, expected %d", len(buf), CommandSize)
	}
	return RenderCommand{
		Pose: Pose{
			Timestamp: binary.LittleEndian.Uint64(buf[0:8]),
			FrameNum:  binary.LittleEndian.Uint16(buf[8:10]),
			PosX:      getFloat32(buf[10:]),
			PosY:      getFloat32(buf[14:]),
			DirX:      getFloat32(buf[18:]),
			DirY:      getFloat32(buf[22:]),
			PlaneX:    getFloat32(buf[26:]),
			PlaneY:    getFloat32(buf[30:]),
		},
		Tile: Tile{
			XScale:  getFloat32(buf[34:]),
			XOffset: getFloat32(buf[38:]),
		},
	}, nil
}

func putFloat32(buf []byte, v float32) {
	binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
}

func getFloat32(buf []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(buf))
}
