package cmd

import (
	"math"
	"time"

	"github.com/zsiec/raylink/internal/config"
	"github.com/zsiec/raylink/internal/protocol"
)

// autopilot produces poses without input handling: the camera stands in an
// open area of the scene, rotating continuously and swaying around its spawn
// point along the map's x and y axes. The camera plane is derived from the field of view as
// plane = (-dir.y, dir.x) * tan(fov/2).
type autopilot struct {
	posX, posY float64
	angle      float64
	fovScale   float64
	rotate     float64
	sway       float64
	strafe     float64
	frame      float64
}

func newAutopilot(cam config.CameraConfig) *autopilot {
	return &autopilot{
		posX:     22.0,
		posY:     11.5,
		angle:    math.Pi, // facing -x
		fovScale: math.Tan(cam.FOV * math.Pi / 360),
		rotate:   cam.RotateSpeed,
		sway:     cam.SprintSpeed,
		strafe:   cam.StrafeSpeed,
	}
}

// Next advances the flight path one frame and returns the pose.
func (a *autopilot) Next(frameNum uint16) protocol.Pose {
	a.angle += a.rotate
	a.frame++

	dirX := math.Cos(a.angle)
	dirY := math.Sin(a.angle)
	planeX := -dirY * a.fovScale
	planeY := dirX * a.fovScale

	// Sway stays within half a cell of the spawn point, which sits in open
	// space in every direction.
	posX := a.posX + math.Sin(a.frame*a.sway)*0.5
	posY := a.posY + math.Sin(a.frame*a.strafe)*0.5

	return protocol.Pose{
		Timestamp: uint64(time.Now().UnixNano()),
		FrameNum:  frameNum,
		PosX:      float32(posX),
		PosY:      float32(posY),
		DirX:      float32(dirX),
		DirY:      float32(dirY),
		PlaneX:    float32(planeX),
		PlaneY:    float32(planeY),
	}
}
