//go:build linux

package network

import (
	"net"
	"syscall"
)

// ReuseAddrListenConfig returns a net.ListenConfig that sets SO_REUSEADDR
// before binding, so the FMS can restart mid-event without waiting out
// TIME_WAIT on 1750 and 1160.
func ReuseAddrListenConfig() net.ListenConfig {
	return net.ListenConfig{Control: setReuseAddr}
}

func setReuseAddr(network, address string, c syscall.RawConn) error {
	var opErr error
	if err := c.Control(func(fd uintptr) {
		opErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
	}); err != nil {
		return err
	}
	return opErr
}
