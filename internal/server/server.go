// Package server implements the render-stream pipeline: a renderer goroutine
// producing encoded slices into a double buffer and an emitter goroutine that
// splits each slice into fixed-MTU datagrams back to the requesting client.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/zsiec/raylink/internal/codec"
	"github.com/zsiec/raylink/internal/netopt"
	"github.com/zsiec/raylink/internal/protocol"
)

// commandReadTimeout bounds each blocking wait for an uplink render command
// so the loop can observe shutdown.
const commandReadTimeout = 10 * time.Second

// SliceRenderer produces the pixels of one horizontal slice for a render
// command. dst is a row-major width×sliceHeight buffer owned by the caller.
type SliceRenderer interface {
	RenderSlice(cmd protocol.RenderCommand, sliceID int, dst []byte)
}

// Config describes the geometry and transport of one render server.
type Config struct {
	Addr         string // UDP listen address
	ScreenWidth  int
	ScreenHeight int
	NumSlices    int
	MTU          int
}

// Stats is a point-in-time snapshot of server counters.
type Stats struct {
	FramesRendered     int64  `json:"framesRendered"`
	PacketsSent        int64  `json:"packetsSent"`
	BytesSent          int64  `json:"bytesSent"`
	CommandsSuperseded int64  `json:"commandsSuperseded"`
	FramesAbandoned    int64  `json:"framesAbandoned"`
	LastRenderUS       uint32 `json:"lastRenderUs"`
	LastStreamUS       uint32 `json:"lastStreamUs"`
}

// sliceMsg passes ownership of one encoded slice buffer from the renderer to
// the emitter. renderUS accumulates the frame's render time so the final
// slice carries the full-frame figure for the trailer.
type sliceMsg struct {
	index    int
	size     int
	renderUS uint32
}

// Server is one render server instance. The renderer and emitter goroutines
// communicate only through the frameStart/sliceReady/sliceFree channels; each
// encoded slice buffer is owned by exactly one side at any moment.
type Server struct {
	log      *slog.Logger
	cfg      Config
	renderer SliceRenderer
	conn     *net.UDPConn

	pixBuf [][]byte // per-slot pixel scratch, renderer-owned
	encBuf [][]byte // double-buffered encoded slices

	frameStart chan protocol.RenderCommand
	sliceReady chan sliceMsg
	sliceFree  chan int

	framesRendered     atomic.Int64
	packetsSent        atomic.Int64
	bytesSent          atomic.Int64
	commandsSuperseded atomic.Int64
	framesAbandoned    atomic.Int64
	lastRenderUS       atomic.Uint32
	lastStreamUS       atomic.Uint32
}

// New creates a Server and binds its UDP socket. If log is nil,
// slog.Default() is used.
func New(cfg Config, renderer SliceRenderer, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.NumSlices <= 0 || cfg.NumSlices > protocol.MaxSlices {
		return nil, fmt.Errorf("server: %d slices out of range", cfg.NumSlices)
	}
	if cfg.ScreenHeight%cfg.NumSlices != 0 {
		return nil, fmt.Errorf("server: height %d not divisible by %d slices", cfg.ScreenHeight, cfg.NumSlices)
	}

	addr, err := net.ResolveUDPAddr("udp4", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("server: resolving %s: %w", cfg.Addr, err)
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("server: listening on %s: %w", cfg.Addr, err)
	}

	s := &Server{
		log:        log.With("component", "render-server"),
		cfg:        cfg,
		renderer:   renderer,
		conn:       conn,
		frameStart: make(chan protocol.RenderCommand),
		sliceReady: make(chan sliceMsg),
		sliceFree:  make(chan int, 2),
	}
	netopt.ApplyStreamQoS(conn, s.log)

	sliceSize := cfg.ScreenWidth * cfg.ScreenHeight / cfg.NumSlices
	for i := 0; i < 2; i++ {
		s.pixBuf = append(s.pixBuf, make([]byte, sliceSize))
		s.encBuf = append(s.encBuf, make([]byte, codec.MaxEncodedLen(sliceSize)))
		s.sliceFree <- i
	}

	return s, nil
}

// Addr returns the bound UDP address.
func (s *Server) Addr() net.Addr { return s.conn.LocalAddr() }

// Stats returns a snapshot of server counters.
func (s *Server) Stats() Stats {
	return Stats{
		FramesRendered:     s.framesRendered.Load(),
		PacketsSent:        s.packetsSent.Load(),
		BytesSent:          s.bytesSent.Load(),
		CommandsSuperseded: s.commandsSuperseded.Load(),
		FramesAbandoned:    s.framesAbandoned.Load(),
		LastRenderUS:       s.lastRenderUS.Load(),
		LastStreamUS:       s.lastStreamUS.Load(),
	}
}

// Start runs the renderer and emitter loops until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.log.Info("listening", "addr", s.conn.LocalAddr())

	go func() {
		<-ctx.Done()
		s.conn.Close()
	}()

	renderDone := make(chan struct{})
	go func() {
		defer close(renderDone)
		s.renderLoop(ctx)
	}()

	err := s.emitLoop(ctx)
	<-renderDone
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// renderLoop waits for frame-start notifications and produces encoded slices
// into alternating buffers, posting each to the emitter as it completes.
func (s *Server) renderLoop(ctx context.Context) {
	sliceHeight := s.cfg.ScreenHeight / s.cfg.NumSlices

	for {
		var cmd protocol.RenderCommand
		select {
		case <-ctx.Done():
			return
		case cmd = <-s.frameStart:
		}

		var renderElapsed time.Duration
		for sliceID := 0; sliceID < s.cfg.NumSlices; sliceID++ {
			var idx int
			select {
			case <-ctx.Done():
				return
			case idx = <-s.sliceFree:
			}

			start := time.Now()
			s.renderer.RenderSlice(cmd, sliceID, s.pixBuf[idx])
			n, err := codec.EncodeSlice(s.pixBuf[idx], s.cfg.ScreenWidth, sliceHeight, s.encBuf[idx])
			if err != nil {
				// Cannot happen with a worst-case sized buffer; emit an
				// empty slice rather than a stale one.
				s.log.Error("slice encode failed", "slice", sliceID, "error", err)
				s.encBuf[idx][0], s.encBuf[idx][1] = 0xFF, 0xFF
				n = 2
			}
			renderElapsed += time.Since(start)

			select {
			case <-ctx.Done():
				return
			case s.sliceReady <- sliceMsg{index: idx, size: n, renderUS: uint32(renderElapsed.Microseconds())}:
			}
		}

		s.framesRendered.Add(1)
		s.lastRenderUS.Store(uint32(renderElapsed.Microseconds()))
	}
}

// emitLoop owns the socket: it receives render commands and streams each
// frame's slices back as packets.
func (s *Server) emitLoop(ctx context.Context) error {
	pkt := make([]byte, s.cfg.MTU)

	for {
		cmd, raddr, ok := s.recvCommand(ctx)
		if !ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case s.frameStart <- cmd:
		}

		streamStart := time.Now()
		frameInfo := protocol.FrameInfo{Timestamp: cmd.Pose.Timestamp}
		abandoned := false

		for sliceID := 0; sliceID < s.cfg.NumSlices; sliceID++ {
			var msg sliceMsg
			select {
			case <-ctx.Done():
				return nil
			case msg = <-s.sliceReady:
			}

			if !abandoned {
				frameInfo.RenderUS = msg.renderUS
				enc := s.encBuf[msg.index][:msg.size]
				if err := s.emitSlice(pkt, raddr, sliceID, enc, &frameInfo, streamStart); err != nil {
					s.log.Warn("send failed, abandoning frame",
						"slice", sliceID, "frame", cmd.Pose.FrameNum, "error", err)
					s.framesAbandoned.Add(1)
					abandoned = true
				}
			}

			// Return the buffer even when the frame is abandoned so the
			// renderer can finish and re-arm.
			select {
			case <-ctx.Done():
				return nil
			case s.sliceFree <- msg.index:
			}
		}

		streamUS := uint32(time.Since(streamStart).Microseconds())
		s.lastStreamUS.Store(streamUS)
		s.log.Debug("frame streamed",
			"frame", cmd.Pose.FrameNum,
			"stream_us", streamUS,
			"abandoned", abandoned,
		)
	}
}

// emitSlice splits one encoded slice into packets. For the final slice of
// the frame the trailer rides in the last packet when it fits, otherwise in
// an extra trailer-only packet that then carries the slice_end mark.
func (s *Server) emitSlice(pkt []byte, raddr *net.UDPAddr, sliceID int, enc []byte, frameInfo *protocol.FrameInfo, streamStart time.Time) error {
	payloadCap := protocol.PayloadCap(s.cfg.MTU)
	finalSlice := sliceID == s.cfg.NumSlices-1
	numPkts := protocol.NumPackets(len(enc), payloadCap)

	lastLen := len(enc) - (numPkts-1)*payloadCap
	inlineTrailer := finalSlice && protocol.TrailerFits(s.cfg.MTU, lastLen)

	for pktID := 0; pktID < numPkts; pktID++ {
		off := pktID * payloadCap
		payLen := len(enc) - off
		if payLen > payloadCap {
			payLen = payloadCap
		}
		last := pktID == numPkts-1

		info := protocol.PacketInfo{
			HasData: true,
			SliceID: uint8(sliceID),
			PktID:   uint8(pktID),
		}
		// When the trailer needs its own packet, that packet carries the
		// slice_end mark instead of the last data packet.
		if last && (!finalSlice || inlineTrailer) {
			info.SliceEnd = true
		}
		protocol.PutPacketInfo(pkt, info)
		copy(pkt[protocol.HeaderSize:], enc[off:off+payLen])

		if last && inlineTrailer {
			frameInfo.StreamUS = uint32(time.Since(streamStart).Microseconds())
			protocol.PutFrameInfo(pkt, *frameInfo)
		}

		if err := s.send(pkt, raddr); err != nil {
			return err
		}
	}

	if finalSlice && !inlineTrailer {
		protocol.PutPacketInfo(pkt, protocol.PacketInfo{
			SliceEnd: true,
			SliceID:  uint8(sliceID),
			PktID:    uint8(numPkts),
		})
		frameInfo.StreamUS = uint32(time.Since(streamStart).Microseconds())
		protocol.PutFrameInfo(pkt, *frameInfo)
		if err := s.send(pkt, raddr); err != nil {
			return err
		}
	}

	return nil
}

func (s *Server) send(pkt []byte, raddr *net.UDPAddr) error {
	n, err := s.conn.WriteToUDP(pkt, raddr)
	if err != nil {
		return err
	}
	s.packetsSent.Add(1)
	s.bytesSent.Add(int64(n))
	return nil
}

// recvCommand blocks for the next render command, then drains any queued
// commands so only the latest pose starts the frame.
func (s *Server) recvCommand(ctx context.Context) (protocol.RenderCommand, *net.UDPAddr, bool) {
	buf := make([]byte, protocol.CommandSize+1)

	for {
		if ctx.Err() != nil {
			return protocol.RenderCommand{}, nil, false
		}
		s.conn.SetReadDeadline(time.Now().Add(commandReadTimeout))
		n, raddr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return protocol.RenderCommand{}, nil, false
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			s.log.Warn("command read error", "error", err)
			continue
		}

		cmd, err := protocol.ParseCommand(buf[:n])
		if err != nil {
			s.log.Debug("ignoring malformed command", "from", raddr, "error", err)
			continue
		}

		// Drain stale commands left over from a frame in flight.
		for {
			s.conn.SetReadDeadline(time.Now())
			n, r2, err := s.conn.ReadFromUDP(buf)
			if err != nil {
				break
			}
			newer, perr := protocol.ParseCommand(buf[:n])
			if perr != nil {
				continue
			}
			cmd, raddr = newer, r2
			s.commandsSuperseded.Add(1)
		}

		return cmd, raddr, true
	}
}
