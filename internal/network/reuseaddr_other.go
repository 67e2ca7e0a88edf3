//go:build !linux && !windows

package network

import "net"

// ReuseAddrListenConfig returns the default listen config on platforms
// where the FMS is only run for development.
func ReuseAddrListenConfig() net.ListenConfig {
	return net.ListenConfig{}
}
