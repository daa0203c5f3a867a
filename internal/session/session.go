// Package session implements the client side of the stream: one UDP socket
// shared by all servers, a dedicated receiver goroutine reassembling and
// decoding slices into the caller's screen buffer, and a start/await/stop
// handshake aligned with the display loop.
package session

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zsiec/raylink/internal/config"
	"github.com/zsiec/raylink/internal/netopt"
	"github.com/zsiec/raylink/internal/protocol"
)

// recvTimeout is the coarse read deadline keeping the receiver responsive
// to shutdown while it blocks for packets.
const recvTimeout = time.Second

// StreamStats carries the per-stream outcome of one frame.
type StreamStats struct {
	RTTNanos     uint64
	RenderUS     uint32
	StreamUS     uint32
	SliceBitmask uint32
	NumEncBytes  int
}

// Result is the outcome of one frame across all streams. A stream absent
// from StreamBitmask delivered nothing; its stats are zero.
type Result struct {
	StreamBitmask uint32
	Stats         []StreamStats
}

// Session drives one frame at a time: Start sends the render commands,
// WaitUntil blocks for completion or the frame budget, Stop collects the
// result. The receiver goroutine owns all mutation of the in-flight result.
type Session struct {
	log *slog.Logger
	cfg *config.Config

	conn     *net.UDPConn
	servers  []*net.UDPAddr
	streamID map[string]int

	// screen is the caller's buffer: one full frame per stream. Only
	// verified-complete slices are ever written.
	screen []byte
	encBuf []byte

	sliceStride  int // bytes reserved per encoded slice
	streamStride int // bytes reserved per stream in encBuf

	mu          sync.Mutex
	result      Result
	pktBitmasks [][]uint32
	activeMask  uint32

	dropIncoming atomic.Bool
	running      atomic.Bool

	ready    chan struct{}
	recvDone chan struct{}
}

// New opens the stream socket, builds the address routing table, and spawns
// the receiver. screen must hold NumStreams full frames. The session starts
// with the drop gate closed; packets are ignored until the first Start.
func New(cfg *config.Config, screen []byte, log *slog.Logger) (*Session, error) {
	if log == nil {
		log = slog.Default()
	}
	n := cfg.NumStreams()
	if n == 0 {
		return nil, fmt.Errorf("session: no servers configured")
	}
	if len(screen) != n*cfg.ScreenBufferSize() {
		return nil, fmt.Errorf("session: screen buffer %d bytes, expected %d", len(screen), n*cfg.ScreenBufferSize())
	}
	if maxPkts := cfg.MaxPacketsPerSlice() + 1; maxPkts > 32 {
		return nil, fmt.Errorf("session: %d packets per slice exceed the 32-bit packet bitmask", maxPkts)
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, fmt.Errorf("session: binding stream socket: %w", err)
	}

	s := &Session{
		log:      log.With("component", "session", "session_id", uuid.NewString()),
		cfg:      cfg,
		conn:     conn,
		streamID: make(map[string]int, n),
		screen:   screen,
		ready:    make(chan struct{}, 1),
		recvDone: make(chan struct{}),
	}
	netopt.ApplyStreamQoS(conn, s.log)

	for i, sv := range cfg.Stream.Servers {
		addr, err := net.ResolveUDPAddr("udp4", sv.Addr())
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("session: resolving server %d (%s): %w", i, sv.Addr(), err)
		}
		s.servers = append(s.servers, addr)
		s.streamID[addr.String()] = i
	}

	s.sliceStride = cfg.MaxPacketsPerSlice() * cfg.PayloadCap()
	s.streamStride = cfg.Screen.Slices * s.sliceStride
	s.encBuf = make([]byte, n*s.streamStride)

	s.pktBitmasks = make([][]uint32, n)
	for i := range s.pktBitmasks {
		s.pktBitmasks[i] = make([]uint32, cfg.Screen.Slices)
	}
	s.result = Result{Stats: make([]StreamStats, n)}

	s.dropIncoming.Store(true)
	s.running.Store(true)
	go s.receiverLoop()

	s.log.Info("session ready", "local", conn.LocalAddr(), "streams", n)
	return s, nil
}

// LocalAddr returns the bound client address.
func (s *Session) LocalAddr() net.Addr { return s.conn.LocalAddr() }

// Start arms the receiver for a new frame and sends one render command to
// each server. Send failures are logged; the affected stream simply misses
// the frame.
func (s *Session) Start(cmds []protocol.RenderCommand) error {
	if len(cmds) != len(s.servers) {
		return fmt.Errorf("session: %d commands for %d streams", len(cmds), len(s.servers))
	}

	s.mu.Lock()
	s.activeMask = 0
	s.result = Result{
		StreamBitmask: s.cfg.AllStreamMask(),
		Stats:         make([]StreamStats, len(s.servers)),
	}
	for i := range s.pktBitmasks {
		for j := range s.pktBitmasks[i] {
			s.pktBitmasks[i][j] = 0
		}
	}
	s.mu.Unlock()

	// Drain a stale completion signal from the previous frame.
	select {
	case <-s.ready:
	default:
	}

	s.dropIncoming.Store(false)

	var buf [protocol.CommandSize]byte
	for i, cmd := range cmds {
		if err := protocol.MarshalCommand(buf[:], cmd); err != nil {
			return err
		}
		if _, err := s.conn.WriteToUDP(buf[:], s.servers[i]); err != nil {
			s.log.Warn("command send failed, stream will miss the frame",
				"stream", i, "error", err)
		}
	}
	return nil
}

// WaitUntil blocks until all streams complete the frame or the deadline
// elapses, reporting whether completion arrived in time.
func (s *Session) WaitUntil(deadline time.Time) bool {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case <-s.ready:
		return true
	case <-timer.C:
		return false
	}
}

// Stop closes the frame: the drop gate rises, streams that delivered no
// slice are cleared from the stream bitmask, and the result moves out,
// replaced by an empty one.
func (s *Session) Stop() Result {
	s.dropIncoming.Store(true)

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.result.Stats {
		if s.result.Stats[i].SliceBitmask == 0 {
			s.result.StreamBitmask &^= 1 << uint(i)
		}
	}
	res := s.result
	s.result = Result{Stats: make([]StreamStats, len(s.servers))}
	return res
}

// Close shuts the receiver down and releases the socket.
func (s *Session) Close() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	err := s.conn.Close()
	<-s.recvDone
	return err
}
