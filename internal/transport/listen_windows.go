//go:build windows

package transport

import "net"

// SO_REUSEADDR on Windows allows port hijacking, so the default is kept.
func listenConfig() *net.ListenConfig {
	return &net.ListenConfig{}
}
