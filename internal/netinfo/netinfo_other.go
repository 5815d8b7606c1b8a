//go:build !linux

package netinfo

import "net"

func sampleTCP(*net.TCPConn) (TCPInfo, error) {
	return TCPInfo{}, ErrUnsupported
}
