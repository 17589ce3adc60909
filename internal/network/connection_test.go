package network

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAndReadLoop(t *testing.T) {
	client, server := net.Pipe()
	c := NewConnection(client, time.Second)

	go func() {
		buf := make([]byte, 5)
		io.ReadFull(server, buf)
		server.Write([]byte("pong"))
		server.Close()
	}()

	require.NoError(t, c.Write([]byte("hello")))

	var got []byte
	err := c.ReadLoop(2, func(b []byte) { got = append(got, b...) })
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "pong", string(got))

	in, out := c.Traffic()
	assert.Equal(t, uint64(4), in)
	assert.Equal(t, uint64(5), out)
}

func TestReadLoopAfterLocalClose(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	c := NewConnection(client, time.Second)

	errCh := make(chan error, 1)
	go func() { errCh <- c.ReadLoop(0, func([]byte) {}) }()

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.True(t, c.IsClosed())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not stop")
	}
	assert.ErrorIs(t, c.Write([]byte("x")), ErrClosed)
}

func TestDialUsesDialer(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	var dialed string
	d := DialerFunc(func(ctx context.Context, network, address string) (net.Conn, error) {
		dialed = network + "://" + address
		return client, nil
	})
	c, err := Dial(context.Background(), d, "example.org:42505", 0)
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, "tcp://example.org:42505", dialed)

	failing := DialerFunc(func(ctx context.Context, network, address string) (net.Conn, error) {
		return nil, errors.New("refused")
	})
	_, err = Dial(context.Background(), failing, "example.org:1", 0)
	assert.ErrorContains(t, err, "refused")
}

func TestReuseAddrListenConfigRebinds(t *testing.T) {
	lc := ReuseAddrListenConfig()

	ln, err := lc.Listen(context.Background(), "tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	// Leave a connection behind so the port has a socket in TIME_WAIT.
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	peer, err := ln.Accept()
	require.NoError(t, err)
	peer.Close()
	conn.Close()
	require.NoError(t, ln.Close())

	ln, err = lc.Listen(context.Background(), "tcp", addr)
	require.NoError(t, err)
	ln.Close()
}

// noDeadlineConn rejects write deadlines like some wrapped transports do.
type noDeadlineConn struct {
	net.Conn
}

func (noDeadlineConn) SetWriteDeadline(time.Time) error {
	return errors.New("deadline not supported")
}

func TestWriteWithoutDeadlineSupport(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	c := NewConnection(noDeadlineConn{client}, time.Second)
	defer c.Close()

	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 5)
		io.ReadFull(server, buf)
		got <- buf
	}()

	require.NoError(t, c.Write([]byte("hello")))
	assert.Equal(t, "hello", string(<-got))

	_, out := c.Traffic()
	assert.Equal(t, uint64(5), out)
}
