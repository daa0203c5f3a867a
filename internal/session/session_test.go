package session

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/raylink/internal/codec"
	"github.com/zsiec/raylink/internal/config"
	"github.com/zsiec/raylink/internal/protocol"
)

const (
	testWidth  = 64
	testHeight = 32
	testSlices = 4
	testMTU    = 130
)

func testConfig(numStreams int) *config.Config {
	cfg := &config.Config{
		Screen: config.ScreenConfig{Width: testWidth, Height: testHeight, Slices: testSlices},
		Stream: config.StreamConfig{MTU: testMTU, TargetFPS: 30},
	}
	for i := 0; i < numStreams; i++ {
		// Routing-table entries only; nothing listens on these ports.
		cfg.Stream.Servers = append(cfg.Stream.Servers,
			config.ServerAddr{Host: "127.0.0.1", Port: 40000 + i})
	}
	return cfg
}

func newTestSession(t *testing.T, numStreams int) (*Session, []byte) {
	t.Helper()
	cfg := testConfig(numStreams)
	screen := make([]byte, numStreams*cfg.ScreenBufferSize())
	s, err := New(cfg, screen, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, screen
}

// slicePixels fills a deterministic incompressible pattern so every slice
// spans several packets.
func slicePixels(streamID, sliceID int) []byte {
	pix := make([]byte, testWidth*testHeight/testSlices)
	for i := range pix {
		pix[i] = byte((streamID*97 + sliceID*31 + i*13) % 251)
	}
	return pix
}

// slicePackets encodes a slice and splits it into wire packets the way the
// server does, with the trailer inline on the frame's terminal packet.
func slicePackets(t *testing.T, sliceID int, pix []byte, frameInfo *protocol.FrameInfo) [][]byte {
	t.Helper()
	enc := make([]byte, codec.MaxEncodedLen(len(pix)))
	n, err := codec.EncodeSlice(pix, testWidth, len(pix)/testWidth, enc)
	require.NoError(t, err)
	enc = enc[:n]

	payloadCap := protocol.PayloadCap(testMTU)
	numPkts := protocol.NumPackets(n, payloadCap)
	lastLen := n - (numPkts-1)*payloadCap
	finalSlice := sliceID == testSlices-1
	inline := finalSlice && protocol.TrailerFits(testMTU, lastLen)

	var pkts [][]byte
	for pktID := 0; pktID < numPkts; pktID++ {
		pkt := make([]byte, testMTU)
		off := pktID * payloadCap
		payLen := n - off
		if payLen > payloadCap {
			payLen = payloadCap
		}
		info := protocol.PacketInfo{HasData: true, SliceID: uint8(sliceID), PktID: uint8(pktID)}
		if pktID == numPkts-1 && (!finalSlice || inline) {
			info.SliceEnd = true
		}
		protocol.PutPacketInfo(pkt, info)
		copy(pkt[protocol.HeaderSize:], enc[off:off+payLen])
		if pktID == numPkts-1 && inline && frameInfo != nil {
			protocol.PutFrameInfo(pkt, *frameInfo)
		}
		pkts = append(pkts, pkt)
	}
	if finalSlice && !inline {
		pkt := make([]byte, testMTU)
		protocol.PutPacketInfo(pkt, protocol.PacketInfo{SliceEnd: true, SliceID: uint8(sliceID), PktID: uint8(numPkts)})
		if frameInfo != nil {
			protocol.PutFrameInfo(pkt, *frameInfo)
		}
		pkts = append(pkts, pkt)
	}
	return pkts
}

func deliverFrame(t *testing.T, s *Session, streamID int, frameInfo protocol.FrameInfo, skip func(sliceID, pktID int) bool) {
	t.Helper()
	for sliceID := 0; sliceID < testSlices; sliceID++ {
		for pktID, pkt := range slicePackets(t, sliceID, slicePixels(streamID, sliceID), &frameInfo) {
			if skip != nil && skip(sliceID, pktID) {
				continue
			}
			s.handlePacket(streamID, pkt)
		}
	}
}

func startFrame(t *testing.T, s *Session) {
	t.Helper()
	cmds := make([]protocol.RenderCommand, len(s.servers))
	for i := range cmds {
		cmds[i] = protocol.RenderCommand{Tile: protocol.FullTile}
	}
	require.NoError(t, s.Start(cmds))
}

func TestFullFrameSingleStream(t *testing.T) {
	s, screen := newTestSession(t, 1)
	startFrame(t, s)

	ts := uint64(time.Now().UnixNano()) - 5_000_000
	deliverFrame(t, s, 0, protocol.FrameInfo{Timestamp: ts, RenderUS: 111, StreamUS: 222}, nil)

	assert.True(t, s.WaitUntil(time.Now().Add(time.Second)), "frame should complete")

	res := s.Stop()
	assert.Equal(t, uint32(0b1), res.StreamBitmask)
	st := res.Stats[0]
	assert.Equal(t, uint32(0b1111), st.SliceBitmask)
	assert.Equal(t, uint32(111), st.RenderUS)
	assert.Equal(t, uint32(222), st.StreamUS)
	assert.Greater(t, st.RTTNanos, uint64(0))
	assert.Greater(t, st.NumEncBytes, 0)

	for sliceID := 0; sliceID < testSlices; sliceID++ {
		sliceSize := testWidth * testHeight / testSlices
		got := screen[sliceID*sliceSize : (sliceID+1)*sliceSize]
		assert.True(t, bytes.Equal(got, slicePixels(0, sliceID)), "slice %d pixels", sliceID)
	}
}

func TestMissingPacketLeavesSliceStale(t *testing.T) {
	s, screen := newTestSession(t, 1)
	startFrame(t, s)

	// Lose packet 1 of slice 2: the slice stays undelivered, the frame is
	// still delivered via the final slice.
	deliverFrame(t, s, 0, protocol.FrameInfo{Timestamp: 1}, func(sliceID, pktID int) bool {
		return sliceID == 2 && pktID == 1
	})

	res := s.Stop()
	assert.Equal(t, uint32(0b1), res.StreamBitmask)
	assert.Equal(t, uint32(0b1011), res.Stats[0].SliceBitmask)

	// The failed slice's screen region was never touched.
	sliceSize := testWidth * testHeight / testSlices
	stale := screen[2*sliceSize : 3*sliceSize]
	assert.Equal(t, make([]byte, sliceSize), stale)
}

func TestDuplicateSliceEndIsIdempotent(t *testing.T) {
	s, _ := newTestSession(t, 1)
	startFrame(t, s)

	fi := protocol.FrameInfo{Timestamp: 1}
	deliverFrame(t, s, 0, fi, nil)
	encBytes := func() int {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.result.Stats[0].NumEncBytes
	}
	first := encBytes()

	// Replay the whole frame: bits are already set, decode is skipped.
	deliverFrame(t, s, 0, fi, nil)
	assert.Equal(t, first, encBytes())

	res := s.Stop()
	assert.Equal(t, uint32(0b1111), res.Stats[0].SliceBitmask)
}

func TestPacketAfterStopIsDropped(t *testing.T) {
	s, _ := newTestSession(t, 1)
	startFrame(t, s)
	res := s.Stop()
	assert.Equal(t, uint32(0), res.StreamBitmask)

	// A late packet between Stop and the next Start must not mutate the
	// fresh result.
	deliverFrame(t, s, 0, protocol.FrameInfo{Timestamp: 1}, nil)
	res = s.Stop()
	assert.Equal(t, uint32(0), res.StreamBitmask)
	assert.Equal(t, StreamStats{}, res.Stats[0])
}

func TestAllStreamsFail(t *testing.T) {
	s, _ := newTestSession(t, 2)
	startFrame(t, s)

	assert.False(t, s.WaitUntil(time.Now().Add(50*time.Millisecond)))
	res := s.Stop()
	assert.Equal(t, uint32(0), res.StreamBitmask)
	for _, st := range res.Stats {
		assert.Equal(t, StreamStats{}, st)
	}
}

func TestPartialStreams(t *testing.T) {
	s, _ := newTestSession(t, 2)
	startFrame(t, s)

	deliverFrame(t, s, 0, protocol.FrameInfo{Timestamp: 1}, nil)

	assert.False(t, s.WaitUntil(time.Now().Add(50*time.Millisecond)))
	res := s.Stop()
	assert.Equal(t, uint32(0b01), res.StreamBitmask)
	assert.Equal(t, uint32(0b1111), res.Stats[0].SliceBitmask)
	assert.Equal(t, uint32(0), res.Stats[1].SliceBitmask)
}

func TestOutOfGeometryPacketsDropped(t *testing.T) {
	s, _ := newTestSession(t, 1)
	startFrame(t, s)

	pkt := make([]byte, testMTU)
	protocol.PutPacketInfo(pkt, protocol.PacketInfo{HasData: true, SliceID: 9, PktID: 0})
	s.handlePacket(0, pkt)
	protocol.PutPacketInfo(pkt, protocol.PacketInfo{HasData: true, SliceID: 0, PktID: 200})
	s.handlePacket(0, pkt)

	res := s.Stop()
	assert.Equal(t, uint32(0), res.StreamBitmask)
}

func TestStartResetsState(t *testing.T) {
	s, _ := newTestSession(t, 1)
	startFrame(t, s)
	deliverFrame(t, s, 0, protocol.FrameInfo{Timestamp: 1}, nil)
	res := s.Stop()
	require.Equal(t, uint32(0b1), res.StreamBitmask)

	// The next frame starts from zero.
	startFrame(t, s)
	res = s.Stop()
	assert.Equal(t, uint32(0), res.StreamBitmask)
	assert.Equal(t, StreamStats{}, res.Stats[0])
}

func TestNewValidation(t *testing.T) {
	cfg := testConfig(1)
	_, err := New(cfg, make([]byte, 10), nil)
	assert.Error(t, err, "wrong screen size")

	_, err = New(testConfig(0), make([]byte, 0), nil)
	assert.Error(t, err, "no servers")
}
