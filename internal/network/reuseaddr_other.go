//go:build !linux && !windows

package network

import "net"

// ReuseAddrListenConfig is the listen config of the local API bridge. Other
// platforms bind without a SO_REUSEADDR hook.
func ReuseAddrListenConfig() net.ListenConfig {
	return net.ListenConfig{}
}
