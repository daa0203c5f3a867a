package session_test

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/raylink/internal/config"
	"github.com/zsiec/raylink/internal/protocol"
	"github.com/zsiec/raylink/internal/server"
	"github.com/zsiec/raylink/internal/session"
	"github.com/zsiec/raylink/internal/tilectrl"
)

const (
	e2eWidth  = 64
	e2eHeight = 32
	e2eSlices = 4
	e2eMTU    = 130
)

// patternRenderer renders a per-stream constant so the client can attribute
// decoded pixels to their source.
type patternRenderer struct{ id byte }

func (r patternRenderer) RenderSlice(cmd protocol.RenderCommand, sliceID int, dst []byte) {
	for i := range dst {
		dst[i] = r.id + byte(sliceID)
	}
}

func startTestServer(t *testing.T, id byte) *net.UDPAddr {
	t.Helper()
	srv, err := server.New(server.Config{
		Addr:         "127.0.0.1:0",
		ScreenWidth:  e2eWidth,
		ScreenHeight: e2eHeight,
		NumSlices:    e2eSlices,
		MTU:          e2eMTU,
	}, patternRenderer{id: id}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return srv.Addr().(*net.UDPAddr)
}

func e2eConfig(servers ...*net.UDPAddr) *config.Config {
	cfg := &config.Config{
		Screen: config.ScreenConfig{Width: e2eWidth, Height: e2eHeight, Slices: e2eSlices},
		Stream: config.StreamConfig{MTU: e2eMTU, TargetFPS: 30},
	}
	for _, a := range servers {
		cfg.Stream.Servers = append(cfg.Stream.Servers,
			config.ServerAddr{Host: "127.0.0.1", Port: a.Port})
	}
	return cfg
}

func runFrame(t *testing.T, s *session.Session, tiles []protocol.Tile, budget time.Duration) session.Result {
	t.Helper()
	pose := protocol.Pose{Timestamp: uint64(time.Now().UnixNano()), FrameNum: 1}
	require.NoError(t, s.Start(tilectrl.Commands(pose, tiles)))
	s.WaitUntil(time.Now().Add(budget))
	return s.Stop()
}

func TestTwoStreamsCompleteFrame(t *testing.T) {
	addr0 := startTestServer(t, 10)
	addr1 := startTestServer(t, 60)
	cfg := e2eConfig(addr0, addr1)

	screen := make([]byte, 2*cfg.ScreenBufferSize())
	s, err := session.New(cfg, screen, nil)
	require.NoError(t, err)
	defer s.Close()

	ctrl := tilectrl.New(2)
	res := runFrame(t, s, ctrl.Observe(0b11), 2*time.Second)

	assert.Equal(t, uint32(0b11), res.StreamBitmask)
	for i, st := range res.Stats {
		assert.Equal(t, cfg.AllSliceMask(), st.SliceBitmask, "stream %d slices", i)
		assert.Greater(t, st.RTTNanos, uint64(0), "stream %d rtt", i)
		assert.Greater(t, st.NumEncBytes, 0, "stream %d enc bytes", i)
	}

	// Each stream's screen region carries its own pattern.
	sliceSize := cfg.SliceBufferSize()
	for streamID, base := range []byte{10, 60} {
		for sliceID := 0; sliceID < e2eSlices; sliceID++ {
			off := streamID*cfg.ScreenBufferSize() + sliceID*sliceSize
			want := bytes.Repeat([]byte{base + byte(sliceID)}, sliceSize)
			assert.True(t, bytes.Equal(screen[off:off+sliceSize], want),
				"stream %d slice %d pixels", streamID, sliceID)
		}
	}
}

func TestMissingServerExcludedAndRedistributed(t *testing.T) {
	addr0 := startTestServer(t, 10)
	// Stream 1 points at a dead port: nothing ever answers.
	dead := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1}
	cfg := e2eConfig(addr0, dead)

	screen := make([]byte, 2*cfg.ScreenBufferSize())
	s, err := session.New(cfg, screen, nil)
	require.NoError(t, err)
	defer s.Close()

	ctrl := tilectrl.New(2)
	res := runFrame(t, s, ctrl.Observe(0b11), 300*time.Millisecond)
	assert.Equal(t, uint32(0b01), res.StreamBitmask)

	// The controller reacts: the survivor covers the full view, the lost
	// stream keeps its ideal slot.
	tiles := ctrl.Observe(res.StreamBitmask)
	assert.InDelta(t, 2.0, tiles[0].XScale, 1e-6)
	assert.InDelta(t, -1.0, tiles[0].XOffset, 1e-6)
	assert.InDelta(t, 1.0, tiles[1].XScale, 1e-6)
	assert.InDelta(t, 0.0, tiles[1].XOffset, 1e-6)

	res = runFrame(t, s, tiles, 2*time.Second)
	assert.Equal(t, uint32(0b01), res.StreamBitmask)
	assert.Equal(t, cfg.AllSliceMask(), res.Stats[0].SliceBitmask)
}

func TestConsecutiveFrames(t *testing.T) {
	addr0 := startTestServer(t, 20)
	cfg := e2eConfig(addr0)

	screen := make([]byte, cfg.ScreenBufferSize())
	s, err := session.New(cfg, screen, nil)
	require.NoError(t, err)
	defer s.Close()

	ctrl := tilectrl.New(1)
	for frame := 0; frame < 5; frame++ {
		res := runFrame(t, s, ctrl.Observe(0b1), 2*time.Second)
		assert.Equal(t, uint32(0b1), res.StreamBitmask, "frame %d", frame)
	}
}
