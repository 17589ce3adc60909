// Package network wraps the TCP transport used by a chatroom session and
// the listener helpers used by the local API.
package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultWriteTimeout bounds a single frame write.
const DefaultWriteTimeout = 10 * time.Second

// DefaultReadBufferSize is the chunk size handed to the reader callback.
const DefaultReadBufferSize = 32 * 1024

// ErrClosed is returned when writing to a closed connection.
var ErrClosed = errors.New("connection is closed")

// Dialer opens the underlying stream. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, network, address string) (net.Conn, error)

// DialContext calls f.
func (f DialerFunc) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return f(ctx, network, address)
}

// Connection wraps the byte stream to a chatroom server. Writes are
// serialized and bounded by a deadline; reads are delivered as raw chunks
// by ReadLoop.
type Connection struct {
	mu           sync.Mutex
	conn         net.Conn
	logger       zerolog.Logger
	writeTimeout time.Duration

	// Timestamps
	connectedAt  time.Time
	lastActivity time.Time

	// Counters
	bytesIn  uint64
	bytesOut uint64

	// State
	closed bool
}

// Dial opens a TCP connection to address using d, or a plain net.Dialer
// when d is nil.
func Dial(ctx context.Context, d Dialer, address string, writeTimeout time.Duration) (*Connection, error) {
	if d == nil {
		d = &net.Dialer{}
	}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", address, err)
	}
	return NewConnection(conn, writeTimeout), nil
}

// NewConnection wraps an existing net.Conn.
func NewConnection(conn net.Conn, writeTimeout time.Duration) *Connection {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	now := time.Now()
	return &Connection{
		conn:         conn,
		writeTimeout: writeTimeout,
		connectedAt:  now,
		lastActivity: now,
		logger:       log.With().Str("component", "connection").Str("remote", conn.RemoteAddr().String()).Logger(),
	}
}

// Write sends one complete frame.
func (c *Connection) Write(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		c.logger.Debug().Err(err).Msg("write deadline not applied")
	}
	n, err := c.conn.Write(frame)
	c.bytesOut += uint64(n)
	if err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}

	c.lastActivity = time.Now()
	return nil
}

// ReadLoop reads until the stream fails or is closed, handing each chunk to
// onData. The slice passed to onData is owned by the callee. ReadLoop
// returns io.EOF on an orderly close by the peer and ErrClosed after a
// local Close.
func (c *Connection) ReadLoop(bufSize int, onData func([]byte)) error {
	if bufSize <= 0 {
		bufSize = DefaultReadBufferSize
	}
	buf := make([]byte, bufSize)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])

			c.mu.Lock()
			c.lastActivity = time.Now()
			c.bytesIn += uint64(n)
			c.mu.Unlock()

			onData(chunk)
		}
		if err != nil {
			if c.IsClosed() {
				return ErrClosed
			}
			if errors.Is(err, io.EOF) {
				return io.EOF
			}
			return fmt.Errorf("failed to read: %w", err)
		}
	}
}

// Close closes the connection. It is safe to call more than once.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	c.logger.Debug().
		Uint64("bytes_in", c.bytesIn).
		Uint64("bytes_out", c.bytesOut).
		Msg("connection closed")
	return c.conn.Close()
}

// IsClosed returns whether the connection has been closed locally.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// LastActivity returns the time of the last read/write activity.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// ConnectedAt returns the time the connection was established.
func (c *Connection) ConnectedAt() time.Time {
	return c.connectedAt
}

// Traffic returns the bytes read and written so far.
func (c *Connection) Traffic() (in, out uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytesIn, c.bytesOut
}

// RemoteAddr returns the remote address of the connection.
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}
