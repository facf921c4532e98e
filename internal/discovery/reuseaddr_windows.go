//go:build windows

package discovery

import (
	"syscall"

	"golang.org/x/sys/windows"
)

// controlReuseAddrBroadcast sets SO_REUSEADDR and SO_BROADCAST using the
// windows-specific socket option constants; see reuseaddr_unix.go for the
// POSIX equivalent.
func controlReuseAddrBroadcast(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
		if sockErr != nil {
			return
		}
		sockErr = windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_BROADCAST, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
