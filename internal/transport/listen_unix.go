//go:build !windows

package transport

import (
	"net"
	"syscall"
)

// listenConfig sets SO_REUSEADDR so a handed-over port can be rebound while
// the previous owner's connections sit in TIME_WAIT. Two live listeners on the
// same port still conflict.
func listenConfig() *net.ListenConfig {
	return &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
}
