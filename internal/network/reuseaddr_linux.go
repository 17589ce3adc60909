//go:build linux

package network

import (
	"net"
	"syscall"
)

// ReuseAddrListenConfig is the listen config of the local API bridge. It
// sets SO_REUSEADDR so a restarted client can bind its bridge port while
// the previous socket is still in TIME_WAIT.
func ReuseAddrListenConfig() net.ListenConfig {
	return net.ListenConfig{Control: setReuseAddr}
}

func setReuseAddr(network, address string, rc syscall.RawConn) error {
	var sockErr error
	if err := rc.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
	}); err != nil {
		return err
	}
	return sockErr
}
