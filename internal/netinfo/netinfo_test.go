package netinfo

import (
	"net"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSampleRejectsNonTCP(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	_, err := Sample(a)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestSampleLoopback(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("TCP_INFO only wired up on linux")
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		c, err := ln.Accept()
		if err == nil {
			_ = c.Close()
		}
	}()

	nc, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer nc.Close()
	<-done

	info, err := Sample(nc)
	require.NoError(t, err)
	assert.Positive(t, info.CWND)
}
