//go:build unix

// Package netopt applies the advisory QoS socket options used on both ends
// of the stream: DSCP CS6 marking and the do-not-route-off-link hint.
package netopt

import (
	"log/slog"
	"net"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// tosCS6 is the IP_TOS byte for DSCP class selector 6.
const tosCS6 = 0xC0

// ApplyStreamQoS marks the connection with DSCP CS6 and sets SO_DONTROUTE.
// Both options are advisory; failures are logged and ignored.
func ApplyStreamQoS(conn *net.UDPConn, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}

	if err := ipv4.NewConn(conn).SetTOS(tosCS6); err != nil {
		log.Warn("failed to set IP_TOS", "error", err)
	}

	raw, err := conn.SyscallConn()
	if err != nil {
		log.Warn("failed to access raw socket", "error", err)
		return
	}
	var optErr error
	err = raw.Control(func(fd uintptr) {
		optErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_DONTROUTE, 1)
	})
	if err == nil {
		err = optErr
	}
	if err != nil {
		log.Warn("failed to set SO_DONTROUTE", "error", err)
	}
}
