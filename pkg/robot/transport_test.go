package robot

import (
	"context"
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNetTransport_ReachListeningPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	tr := NewNetTransport(port)

	assert.Equal(t, "127.0.0.1:"+strconv.Itoa(port), tr.Address("127.0.0.1"))
	assert.NoError(t, tr.Reach(context.Background(), "127.0.0.1"))
}

func TestNetTransport_ReachClosedPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	tr := NewNetTransport(port)
	assert.Error(t, tr.Reach(context.Background(), "127.0.0.1"))
}

func TestNetTransport_ResolveLocalhost(t *testing.T) {
	tr := NewNetTransport(0)
	assert.Equal(t, DefaultControlPort, tr.Port)

	addr, err := tr.Resolve(context.Background(), "localhost")
	require.NoError(t, err)
	assert.NotEmpty(t, addr)
}
