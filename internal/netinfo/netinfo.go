// Package netinfo samples kernel TCP state for a connected socket.
// ABR algorithms use the congestion window and delivery rate as
// throughput signals alongside application-level ack timing.
package netinfo

import (
	"errors"
	"net"
	"time"
)

// TCPInfo is the subset of TCP_INFO the ABR layer consumes.
type TCPInfo struct {
	CWND         uint32        // congestion window, packets
	InFlight     uint32        // packets sent but not acked
	MinRTT       time.Duration //
	RTT          time.Duration // smoothed
	DeliveryRate uint64        // bytes per second
}

// ErrUnsupported is returned when the platform or socket type cannot
// provide TCP_INFO.
var ErrUnsupported = errors.New("netinfo: tcp_info not available")

// Sample reads TCP_INFO from nc. nc must be a *net.TCPConn; anything
// else fails with ErrUnsupported.
func Sample(nc net.Conn) (TCPInfo, error) {
	tc, ok := nc.(*net.TCPConn)
	if !ok {
		return TCPInfo{}, ErrUnsupported
	}
	return sampleTCP(tc)
}
