// Package config provides configuration for the raylink client and server
// using Viper, supporting files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/zsiec/raylink/internal/protocol"
)

// Default configuration values, matching the reference deployment: a 320×240
// indexed-color frame split into 4 slices, streamed at 30 Hz in 1440-byte
// datagrams.
const (
	defaultScreenWidth  = 320
	defaultScreenHeight = 240
	defaultNumSlices    = 4
	defaultMTU          = 1440
	defaultTargetFPS    = 30
	defaultServerPort   = 3333
	defaultFOV          = 60
	defaultSprintSpeed  = 0.1
	defaultStrafeSpeed  = 0.1
	defaultRotateSpeed  = 0.05
)

// Config holds all configuration for client and server binaries.
type Config struct {
	Screen  ScreenConfig  `mapstructure:"screen"`
	Stream  StreamConfig  `mapstructure:"stream"`
	Camera  CameraConfig  `mapstructure:"camera"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ScreenConfig describes the rendered frame geometry.
type ScreenConfig struct {
	Width  int `mapstructure:"width"`
	Height int `mapstructure:"height"`
	Slices int `mapstructure:"slices"`
}

// ServerAddr identifies one render server. Ordering in the server list is
// the canonical stream ordering: index i is stream id i.
type ServerAddr struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Addr returns the host:port form of the server address.
func (s ServerAddr) Addr() string {
	return net.JoinHostPort(s.Host, fmt.Sprintf("%d", s.Port))
}

// StreamConfig describes the transport: packet size, frame cadence, the
// server listen port, and the client's ordered server table.
type StreamConfig struct {
	MTU        int          `mapstructure:"mtu"`
	TargetFPS  int          `mapstructure:"target_fps"`
	ListenPort int          `mapstructure:"listen_port"`
	Servers    []ServerAddr `mapstructure:"servers"`
}

// CameraConfig describes the field of view and motion speeds used by the
// client's pose source.
type CameraConfig struct {
	FOV         float64 `mapstructure:"fov"` // degrees
	SprintSpeed float64 `mapstructure:"sprint_speed"`
	StrafeSpeed float64 `mapstructure:"strafe_speed"`
	RotateSpeed float64 `mapstructure:"rotate_speed"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// SetDefaults registers default values on the given Viper instance.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("screen.width", defaultScreenWidth)
	v.SetDefault("screen.height", defaultScreenHeight)
	v.SetDefault("screen.slices", defaultNumSlices)

	v.SetDefault("stream.mtu", defaultMTU)
	v.SetDefault("stream.target_fps", defaultTargetFPS)
	v.SetDefault("stream.listen_port", defaultServerPort)
	v.SetDefault("stream.servers", []map[string]any{})

	v.SetDefault("camera.fov", defaultFOV)
	v.SetDefault("camera.sprint_speed", defaultSprintSpeed)
	v.SetDefault("camera.strafe_speed", defaultStrafeSpeed)
	v.SetDefault("camera.rotate_speed", defaultRotateSpeed)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", "")
}

// Load unmarshals and validates configuration from the given Viper instance.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for internal consistency, joining all
// discovered problems into a single error.
func (c *Config) Validate() error {
	var errs []error

	if c.Screen.Width <= 0 || c.Screen.Height <= 0 {
		errs = append(errs, fmt.Errorf("screen dimensions %dx%d must be positive", c.Screen.Width, c.Screen.Height))
	}
	if c.Screen.Slices <= 0 || c.Screen.Slices > protocol.MaxSlices {
		errs = append(errs, fmt.Errorf("screen.slices %d must be in [1, %d]", c.Screen.Slices, protocol.MaxSlices))
	} else if c.Screen.Height%c.Screen.Slices != 0 {
		errs = append(errs, fmt.Errorf("screen.height %d must be divisible by screen.slices %d", c.Screen.Height, c.Screen.Slices))
	}

	if c.Stream.MTU <= protocol.HeaderSize+protocol.TrailerSize {
		errs = append(errs, fmt.Errorf("stream.mtu %d must exceed header plus trailer size", c.Stream.MTU))
	}
	if c.Stream.MTU > 65507 {
		errs = append(errs, fmt.Errorf("stream.mtu %d exceeds the maximum UDP payload", c.Stream.MTU))
	}
	if c.Stream.TargetFPS <= 0 {
		errs = append(errs, fmt.Errorf("stream.target_fps %d must be positive", c.Stream.TargetFPS))
	}
	if n := len(c.Stream.Servers); n > 32 {
		errs = append(errs, fmt.Errorf("stream.servers has %d entries, at most 32 streams are supported", n))
	}
	for i, s := range c.Stream.Servers {
		if s.Host == "" {
			errs = append(errs, fmt.Errorf("stream.servers[%d]: host is empty", i))
		}
		if s.Port <= 0 || s.Port > 65535 {
			errs = append(errs, fmt.Errorf("stream.servers[%d]: port %d out of range", i, s.Port))
		}
	}

	if c.Camera.FOV <= 0 || c.Camera.FOV >= 180 {
		errs = append(errs, fmt.Errorf("camera.fov %.1f must be in (0, 180)", c.Camera.FOV))
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error", "":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}

	// The 8-bit packet id bounds packets per slice; check only once
	// geometry and MTU are individually sane.
	if len(errs) == 0 && c.MaxPacketsPerSlice() > protocol.MaxPackets {
		errs = append(errs, fmt.Errorf("geometry needs %d packets per slice, protocol allows %d", c.MaxPacketsPerSlice(), protocol.MaxPackets))
	}

	return errors.Join(errs...)
}

// NumStreams returns the number of render servers, which equals the number
// of streams.
func (c *Config) NumStreams() int { return len(c.Stream.Servers) }

// ScreenBufferSize returns the pixel count of one full frame.
func (c *Config) ScreenBufferSize() int { return c.Screen.Width * c.Screen.Height }

// SliceHeight returns the pixel height of one slice.
func (c *Config) SliceHeight() int { return c.Screen.Height / c.Screen.Slices }

// SliceBufferSize returns the pixel count of one slice.
func (c *Config) SliceBufferSize() int { return c.Screen.Width * c.SliceHeight() }

// EncSliceCap returns the worst-case encoded size of one slice.
func (c *Config) EncSliceCap() int { return 2*c.SliceBufferSize() + 2 }

// PayloadCap returns the per-packet payload capacity.
func (c *Config) PayloadCap() int { return protocol.PayloadCap(c.Stream.MTU) }

// MaxPacketsPerSlice returns the packet count needed for a worst-case
// encoded slice.
func (c *Config) MaxPacketsPerSlice() int {
	return protocol.NumPackets(c.EncSliceCap(), c.PayloadCap())
}

// FrameBudget returns the per-frame time budget derived from the target
// frame rate.
func (c *Config) FrameBudget() time.Duration {
	return time.Second / time.Duration(c.Stream.TargetFPS)
}

// AllSliceMask returns the bitmask with one bit set per slice.
func (c *Config) AllSliceMask() uint32 { return 1<<uint(c.Screen.Slices) - 1 }

// AllStreamMask returns the bitmask with one bit set per stream.
func (c *Config) AllStreamMask() uint32 { return 1<<uint(c.NumStreams()) - 1 }
