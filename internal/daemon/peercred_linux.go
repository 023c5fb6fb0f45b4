//go:build linux

package daemon

import (
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// peerAllowed verifies the connecting process runs as the same uid as the
// daemon. The socket file is already 0600; this guards against permission
// mistakes on the containing directory.
func peerAllowed(conn net.Conn) bool {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return false
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return false
	}
	allowed := false
	cerr := raw.Control(func(fd uintptr) {
		cred, err := unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
		if err != nil {
			return
		}
		allowed = cred.Uid == uint32(os.Getuid())
	})
	return cerr == nil && allowed
}
