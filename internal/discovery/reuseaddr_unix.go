//go:build !windows

package discovery

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// controlReuseAddrBroadcast sets SO_REUSEADDR (multiple daemons on one box
// cooperating during development) and SO_BROADCAST on the raw socket before
// bind, matching spec.md §4.C.
func controlReuseAddrBroadcast(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		if sockErr != nil {
			return
		}
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
