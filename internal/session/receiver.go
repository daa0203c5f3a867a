package session

import (
	"errors"
	"os"
	"time"

	"github.com/zsiec/raylink/internal/codec"
	"github.com/zsiec/raylink/internal/protocol"
)

// receiverLoop blocks on the socket and feeds each exact-MTU datagram
// through the reassembly path. It exits when the session closes.
func (s *Session) receiverLoop() {
	defer close(s.recvDone)

	mtu := s.cfg.Stream.MTU
	buf := make([]byte, mtu+1)

	for s.running.Load() {
		s.conn.SetReadDeadline(time.Now().Add(recvTimeout))
		n, raddr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if !s.running.Load() {
				return
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			s.log.Warn("receive error", "error", err)
			continue
		}

		if s.dropIncoming.Load() {
			continue
		}
		if n != mtu {
			s.log.Debug("dropping short packet", "from", raddr, "size", n)
			continue
		}
		streamID, ok := s.streamID[raddr.String()]
		if !ok {
			continue
		}

		s.handlePacket(streamID, buf[:n])
	}
}

// handlePacket runs the reassembly state machine for one datagram: store the
// payload at its computed offset, update the packet bitmask, decode the
// slice when it completes contiguously, and record the frame trailer when
// the final slice lands.
func (s *Session) handlePacket(streamID int, pkt []byte) {
	info, err := protocol.ParsePacketInfo(pkt)
	if err != nil {
		return
	}
	sliceID := int(info.SliceID)
	pktID := int(info.PktID)
	if sliceID >= s.cfg.Screen.Slices || pktID >= 32 {
		s.log.Debug("dropping packet outside geometry",
			"stream", streamID, "slice", sliceID, "pkt", pktID)
		return
	}

	payloadCap := s.cfg.PayloadCap()

	s.mu.Lock()
	defer s.mu.Unlock()

	// Re-check under the lock so a packet racing Stop cannot mutate the
	// result after it was collected.
	if s.dropIncoming.Load() {
		return
	}

	if info.HasData {
		// A payload at this id always fits the reserved stride; ids beyond
		// the worst case carry no data (trailer-only packets).
		if off := pktID * payloadCap; off+payloadCap <= s.sliceStride {
			encOff := streamID*s.streamStride + sliceID*s.sliceStride + off
			copy(s.encBuf[encOff:encOff+payloadCap], pkt[protocol.HeaderSize:protocol.HeaderSize+payloadCap])
		}
	}

	s.pktBitmasks[streamID][sliceID] |= 1 << uint(pktID)

	if !info.SliceEnd {
		return
	}
	allPkts := uint32(1)<<uint(pktID+1) - 1
	if s.pktBitmasks[streamID][sliceID] != allPkts {
		// Not contiguous from packet 0; the slice stays undelivered.
		return
	}

	st := &s.result.Stats[streamID]
	sliceBit := uint32(1) << uint(sliceID)

	if st.SliceBitmask&sliceBit == 0 {
		sliceSize := s.cfg.SliceBufferSize()
		encStart := streamID*s.streamStride + sliceID*s.sliceStride
		screenStart := streamID*s.cfg.ScreenBufferSize() + sliceID*sliceSize

		consumed, err := codec.DecodeSlice(
			s.encBuf[encStart:encStart+s.sliceStride],
			s.screen[screenStart:screenStart+sliceSize],
		)
		if err != nil {
			s.log.Debug("slice decode failed", "stream", streamID, "slice", sliceID, "error", err)
			return
		}
		st.SliceBitmask |= sliceBit
		st.NumEncBytes += consumed
	}

	if sliceID != s.cfg.Screen.Slices-1 {
		return
	}

	frameInfo, err := protocol.ParseFrameInfo(pkt)
	if err != nil {
		return
	}
	if now := uint64(time.Now().UnixNano()); now > frameInfo.Timestamp {
		st.RTTNanos = now - frameInfo.Timestamp
	}
	st.RenderUS = frameInfo.RenderUS
	st.StreamUS = frameInfo.StreamUS

	s.activeMask |= 1 << uint(streamID)
	if s.activeMask == s.cfg.AllStreamMask() {
		select {
		case s.ready <- struct{}{}:
		default:
		}
	}
}
