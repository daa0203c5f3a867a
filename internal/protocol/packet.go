// Package protocol defines the datagram wire format: the two-byte packet info
// header framing each downlink packet, the frame info trailer carried in the
// terminal packet of a frame, and the fixed-size uplink render command.
// All multi-byte fields are packed manually with explicit endianness.
package protocol

import (
	"encoding/binary"
	"fmt"
)

const (
	// HeaderSize is the packet info header length at the front of every
	// downlink datagram.
	HeaderSize = 2

	// TrailerSize is the frame info trailer length at the tail of the
	// terminal datagram of a frame.
	TrailerSize = 16

	// MaxSlices is the largest slice count addressable by the 4-bit slice id.
	MaxSlices = 16

	// MaxPackets is the largest per-slice packet count addressable by the
	// 8-bit packet id.
	MaxPackets = 256
)

// PacketInfo is the decoded two-byte header of a downlink packet.
//
//	byte 0: (slice_end<<7) | (has_data<<6) | (slice_id & 0x0F)
//	byte 1: pkt_id
type PacketInfo struct {
	SliceEnd bool
	HasData  bool
	SliceID  uint8
	PktID    uint8
}

// PutPacketInfo writes the header into the first two bytes of buf.
func PutPacketInfo(buf []byte, info PacketInfo) {
	b0 := info.SliceID & 0x0F
	if info.SliceEnd {
		b0 |= 0x80
	}
	if info.HasData {
		b0 |= 0x40
	}
	buf[0] = b0
	buf[1] = info.PktID
}

// ParsePacketInfo decodes the header from the first two bytes of buf.
func ParsePacketInfo(buf []byte) (PacketInfo, error) {
	if len(buf) < HeaderSize {
		return PacketInfo{}, fmt.Errorf("protocol: packet header %d bytes, expected %d", len(buf), HeaderSize)
	}
	return PacketInfo{
		SliceEnd: buf[0]&0x80 != 0,
		HasData:  buf[0]&0x40 != 0,
		SliceID:  buf[0] & 0x0F,
		PktID:    buf[1],
	}, nil
}

// FrameInfo is the 16-byte trailer of the terminal packet of a frame: the
// pose timestamp echoed back plus the server-measured render and stream
// durations in microseconds.
//
//	u64 timestamp (little-endian) || u32 render_us || u32 stream_us
type FrameInfo struct {
	Timestamp uint64
	RenderUS  uint32
	StreamUS  uint32
}

// PutFrameInfo writes the trailer into the last TrailerSize bytes of pkt,
// which must be a full MTU-sized datagram buffer.
func PutFrameInfo(pkt []byte, info FrameInfo) {
	tail := pkt[len(pkt)-TrailerSize:]
	binary.LittleEndian.PutUint64(tail[0:8], info.Timestamp)
	binary.LittleEndian.PutUint32(tail[8:12], info.RenderUS)
	binary.LittleEndian.PutUint32(tail[12:16], info.StreamUS)
}

// ParseFrameInfo reads the trailer from the last TrailerSize bytes of pkt.
func ParseFrameInfo(pkt []byte) (FrameInfo, error) {
	if len(pkt) < TrailerSize {
		return FrameInfo{}, fmt.Errorf("protocol: frame trailer %d bytes, expected at least %d", len(pkt), TrailerSize)
	}
	tail := pkt[len(pkt)-TrailerSize:]
	return FrameInfo{
		Timestamp: binary.LittleEndian.Uint64(tail[0:8]),
		RenderUS:  binary.LittleEndian.Uint32(tail[8:12]),
		StreamUS:  binary.LittleEndian.Uint32(tail[12:16]),
	}, nil
}

// PayloadCap returns the per-packet payload capacity for the given MTU.
func PayloadCap(mtu int) int { return mtu - HeaderSize }

// TrailerFits reports whether a final-slice packet carrying payloadLen bytes
// still has room for the frame info trailer at the datagram tail.
func TrailerFits(mtu, payloadLen int) bool {
	return payloadLen <= PayloadCap(mtu)-TrailerSize
}

// NumPackets returns the number of data packets needed to carry encLen
// encoded bytes at the given payload capacity. An empty slice still takes
// one packet.
func NumPackets(encLen, payloadCap int) int {
	if encLen <= 0 {
		return 1
	}
	return (encLen + payloadCap - 1) / payloadCap
}
