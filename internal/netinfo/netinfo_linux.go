//go:build linux

package netinfo

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

func sampleTCP(tc *net.TCPConn) (TCPInfo, error) {
	raw, err := tc.SyscallConn()
	if err != nil {
		return TCPInfo{}, fmt.Errorf("netinfo: raw conn: %w", err)
	}

	var (
		ti      *unix.TCPInfo
		sockErr error
	)
	ctlErr := raw.Control(func(fd uintptr) {
		ti, sockErr = unix.GetsockoptTCPInfo(int(fd), unix.IPPROTO_TCP, unix.TCP_INFO)
	})
	if ctlErr != nil {
		return TCPInfo{}, fmt.Errorf("netinfo: control: %w", ctlErr)
	}
	if sockErr != nil {
		return TCPInfo{}, fmt.Errorf("netinfo: getsockopt: %w", sockErr)
	}

	// tcpi_unacked counts packets out; retransmits excluded.
	inFlight := ti.Unacked - (ti.Sacked + ti.Lost) + ti.Retrans

	return TCPInfo{
		CWND:         ti.Snd_cwnd,
		InFlight:     inFlight,
		MinRTT:       time.Duration(ti.Min_rtt) * time.Microsecond,
		RTT:          time.Duration(ti.Rtt) * time.Microsecond,
		DeliveryRate: ti.Delivery_rate,
	}, nil
}
