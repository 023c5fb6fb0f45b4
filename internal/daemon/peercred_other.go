//go:build !linux

package daemon

import "net"

// Non-Linux platforms rely on the 0600 socket mode alone.
func peerAllowed(conn net.Conn) bool {
	_, ok := conn.(*net.UnixConn)
	return ok
}
