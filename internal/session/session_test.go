package session

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatroom-project/chatroom/internal/network"
	"github.com/chatroom-project/chatroom/internal/protocol"
)

const waitTimeout = 2 * time.Second

// fakeServer accepts loopback connections and hands them to the test.
type fakeServer struct {
	ln    net.Listener
	conns chan net.Conn
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	f := &fakeServer{ln: ln, conns: make(chan net.Conn, 4)}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			f.conns <- c
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return f
}

func (f *fakeServer) addr() string {
	return f.ln.Addr().String()
}

func (f *fakeServer) accept(t *testing.T) net.Conn {
	t.Helper()
	select {
	case c := <-f.conns:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(waitTimeout):
		t.Fatal("no connection accepted")
		return nil
	}
}

func readPacket(t *testing.T, c net.Conn) protocol.Packet {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(waitTimeout))
	p, err := protocol.ReadPacket(c)
	require.NoError(t, err)
	return p
}

func writePacket(t *testing.T, c net.Conn, p protocol.Packet) {
	t.Helper()
	require.NoError(t, protocol.WritePacket(c, p))
}

// recorder collects handler invocations.
type recorder struct {
	mu          sync.Mutex
	exceptions  []error
	disconnects []error

	notes        chan protocol.Packet
	disconnected chan error
}

func newRecorder() *recorder {
	return &recorder{
		notes:        make(chan protocol.Packet, 64),
		disconnected: make(chan error, 4),
	}
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnNotification: func(p protocol.Packet) { r.notes <- p },
		OnDisconnect: func(cause error) {
			r.mu.Lock()
			r.disconnects = append(r.disconnects, cause)
			r.mu.Unlock()
			r.disconnected <- cause
		},
		OnException: func(err error) {
			r.mu.Lock()
			r.exceptions = append(r.exceptions, err)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) nextNote(t *testing.T) protocol.Packet {
	t.Helper()
	select {
	case p := <-r.notes:
		return p
	case <-time.After(waitTimeout):
		t.Fatal("no notification")
		return nil
	}
}

func (r *recorder) waitDisconnect(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.disconnected:
		return err
	case <-time.After(waitTimeout):
		t.Fatal("no disconnect")
		return nil
	}
}

func (r *recorder) disconnectCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.disconnects)
}

func connect(t *testing.T, srv *fakeServer, rec *recorder) (*Session, net.Conn) {
	t.Helper()
	s := New(Options{}, rec.handlers())
	require.NoError(t, s.Connect(context.Background(), srv.addr()))
	peer := srv.accept(t)
	assert.Equal(t, StateConnected, s.State())
	return s, peer
}

func TestRequestResponse(t *testing.T) {
	srv := newFakeServer(t)
	rec := newRecorder()
	s, peer := connect(t, srv, rec)
	defer s.Close()

	want := protocol.RoomListResponse{Rooms: []protocol.Room{{ID: 1, Name: "lobby"}}}
	go func() {
		if _, err := protocol.ReadPacket(peer); err != nil {
			return
		}
		protocol.WritePacket(peer, want)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	got, err := s.Request(ctx, protocol.RoomListRequest{}, protocol.KindRoomListResponse)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// Responses are also reported as notifications.
	assert.Equal(t, want, rec.nextNote(t))
	assert.False(t, s.LastActivity().IsZero())
}

func TestNotificationsKeepWireOrder(t *testing.T) {
	srv := newFakeServer(t)
	rec := newRecorder()
	s, peer := connect(t, srv, rec)
	defer s.Close()

	sent := []protocol.Packet{
		protocol.PlayerJoined{PlayerID: 1, PlayerName: "a", CharID: "x"},
		protocol.ChatOOC{PlayerID: 1, Msg: "one"},
		protocol.ChatOOC{PlayerID: 1, Msg: "two"},
		protocol.PlayerLeft{PlayerID: 1},
	}
	for _, p := range sent {
		writePacket(t, peer, p)
	}

	for _, want := range sent {
		assert.Equal(t, want, rec.nextNote(t))
	}
}

func TestRequestTimeoutWithdrawsPending(t *testing.T) {
	srv := newFakeServer(t)
	rec := newRecorder()
	s, peer := connect(t, srv, rec)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.Request(ctx, protocol.RoomListRequest{}, protocol.KindRoomListResponse)
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	assert.Equal(t, protocol.RoomListRequest{}, readPacket(t, peer))

	// The late response is only a notification now.
	late := protocol.RoomListResponse{Rooms: []protocol.Room{{ID: 9}}}
	writePacket(t, peer, late)
	assert.Equal(t, late, rec.nextNote(t))

	// A new request is answered by its own response.
	fresh := protocol.RoomListResponse{Rooms: []protocol.Room{{ID: 1}}}
	go func() {
		if _, err := protocol.ReadPacket(peer); err != nil {
			return
		}
		protocol.WritePacket(peer, fresh)
	}()
	ctx2, cancel2 := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel2()
	got, err := s.Request(ctx2, protocol.RoomListRequest{}, protocol.KindRoomListResponse)
	require.NoError(t, err)
	assert.Equal(t, fresh, got)
}

func TestDisconnectCancelsPending(t *testing.T) {
	srv := newFakeServer(t)
	rec := newRecorder()
	s, peer := connect(t, srv, rec)

	errCh := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
			defer cancel()
			_, err := s.Request(ctx, protocol.JoinRoomRequest{RoomID: 1}, protocol.KindJoinRoomResponse)
			errCh <- err
		}()
	}

	readPacket(t, peer)
	readPacket(t, peer)
	peer.Close()

	for i := 0; i < 2; i++ {
		select {
		case err := <-errCh:
			assert.True(t, errors.Is(err, ErrCancelled), "got %v", err)
			assert.True(t, IsTransportError(err))
		case <-time.After(waitTimeout):
			t.Fatal("pending request not cancelled")
		}
	}

	cause := rec.waitDisconnect(t)
	assert.True(t, IsTransportError(cause))

	<-s.HandlersDone()
	assert.Equal(t, 1, rec.disconnectCount())
	assert.Equal(t, StateDisconnected, s.State())
	assert.Equal(t, cause, s.Err())

	assert.ErrorIs(t, s.Send(context.Background(), protocol.Goodbye{}), ErrNotConnected)
}

func TestCloseIsIdempotent(t *testing.T) {
	srv := newFakeServer(t)
	rec := newRecorder()
	s, peer := connect(t, srv, rec)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.Equal(t, protocol.Goodbye{}, readPacket(t, peer))
	peer.SetReadDeadline(time.Now().Add(waitTimeout))
	_, err := protocol.ReadPacket(peer)
	assert.Error(t, err, "only one goodbye is sent")

	assert.NoError(t, rec.waitDisconnect(t))
	<-s.HandlersDone()
	assert.Equal(t, 1, rec.disconnectCount())
	assert.Equal(t, StateDisconnected, s.State())
	assert.NoError(t, s.Err())
}

func TestSendWhenNotConnected(t *testing.T) {
	s := New(Options{}, Handlers{})
	assert.ErrorIs(t, s.Send(context.Background(), protocol.Goodbye{}), ErrNotConnected)

	_, err := s.Request(context.Background(), protocol.RoomListRequest{}, protocol.KindRoomListResponse)
	assert.ErrorIs(t, err, ErrNotConnected)

	assert.NoError(t, s.Close())
}

func TestConnectFailure(t *testing.T) {
	dialErr := errors.New("connection refused")
	rec := newRecorder()
	s := New(Options{
		Dialer: network.DialerFunc(func(ctx context.Context, network, address string) (net.Conn, error) {
			return nil, dialErr
		}),
	}, rec.handlers())

	err := s.Connect(context.Background(), "127.0.0.1:1")
	require.Error(t, err)
	assert.True(t, IsTransportError(err))
	assert.ErrorIs(t, err, dialErr)

	assert.Equal(t, err, rec.waitDisconnect(t))
	select {
	case <-s.Done():
	default:
		t.Fatal("done not closed after failed connect")
	}

	assert.ErrorIs(t, s.Connect(context.Background(), "127.0.0.1:1"), ErrAlreadyStarted)
	assert.NoError(t, s.Close())
}

func TestMalformedFrameFailsSession(t *testing.T) {
	srv := newFakeServer(t)
	rec := newRecorder()
	s, peer := connect(t, srv, rec)

	writePacket(t, peer, protocol.ChatOOC{PlayerID: 2, Msg: "before"})

	body := []byte{0x91, 0x01} // msgpack array
	frame := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)
	_, err := peer.Write(frame)
	require.NoError(t, err)

	assert.Equal(t, protocol.ChatOOC{PlayerID: 2, Msg: "before"}, rec.nextNote(t))

	cause := rec.waitDisconnect(t)
	assert.True(t, IsProtocolError(cause))
	assert.True(t, protocol.IsMalformed(cause))

	<-s.HandlersDone()
	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.exceptions, 1)
	assert.True(t, IsProtocolError(rec.exceptions[0]))
}

func TestServerGoodbye(t *testing.T) {
	srv := newFakeServer(t)
	rec := newRecorder()
	_, peer := connect(t, srv, rec)

	writePacket(t, peer, protocol.Goodbye{})
	peer.Close()

	assert.Equal(t, protocol.Goodbye{}, rec.nextNote(t))
	assert.ErrorIs(t, rec.waitDisconnect(t), ErrServerGoodbye)
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "unknown", State(99).String())

	data, err := StateFailed.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"failed"`, string(data))
}
