//go:build !unix

package netopt

import (
	"log/slog"
	"net"
)

// ApplyStreamQoS is a no-op on platforms without the unix socket options.
func ApplyStreamQoS(conn *net.UDPConn, log *slog.Logger) {}
