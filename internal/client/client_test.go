package client

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/chatroom-project/chatroom/internal/protocol"
	"github.com/chatroom-project/chatroom/internal/session"
)

const waitTimeout = 2 * time.Second

var testChallenge = []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}

// scriptedServer answers each received packet with respond and records
// everything the client sent.
type scriptedServer struct {
	ln      net.Listener
	respond func(protocol.Packet) []protocol.Packet

	mu       sync.Mutex
	received []protocol.Packet
	closed   chan struct{}
}

func newScriptedServer(t *testing.T, respond func(protocol.Packet) []protocol.Packet) *scriptedServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &scriptedServer{ln: ln, respond: respond, closed: make(chan struct{})}
	go s.serve()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *scriptedServer) serve() {
	conn, err := s.ln.Accept()
	if err != nil {
		close(s.closed)
		return
	}
	defer conn.Close()
	defer close(s.closed)

	for {
		pkt, err := protocol.ReadPacket(conn)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.received = append(s.received, pkt)
		s.mu.Unlock()

		for _, out := range s.respond(pkt) {
			if err := protocol.WritePacket(conn, out); err != nil {
				return
			}
		}
	}
}

func (s *scriptedServer) addr() string {
	return s.ln.Addr().String()
}

func (s *scriptedServer) packets() []protocol.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Packet(nil), s.received...)
}

func (s *scriptedServer) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-s.closed:
	case <-time.After(waitTimeout):
		t.Fatal("client did not close the connection")
	}
}

func fullInfo() protocol.ServerInfoResponse {
	return protocol.ServerInfoResponse{
		Name:        "test server",
		Address:     "127.0.0.1",
		Port:        DefaultPort,
		Version:     "0.1.0",
		PlayerCount: 1,
		MaxPlayers:  8,
		Protection:  protocol.ProtectionJoinWithPassword,
		Details:     &protocol.ServerDetails{AuthChallenge: testChallenge, Desc: "d"},
	}
}

func defaultResponder(joinCode protocol.JoinResult, roomCode protocol.JoinRoomResult) func(protocol.Packet) []protocol.Packet {
	return func(p protocol.Packet) []protocol.Packet {
		switch req := p.(type) {
		case protocol.ServerInfoRequest:
			info := fullInfo()
			if req.Type != protocol.ServerInfoFull {
				info.Details = nil
			}
			return []protocol.Packet{info}
		case protocol.JoinRequest:
			return []protocol.Packet{protocol.JoinResponse{ResultCode: joinCode, Msg: "msg"}}
		case protocol.RoomListRequest:
			return []protocol.Packet{protocol.RoomListResponse{Rooms: []protocol.Room{
				{ID: 1, Name: "courtroom"},
				{ID: 2, Name: "lobby"},
				{ID: 3, Name: "vip", Protected: true},
			}}}
		case protocol.JoinRoomRequest:
			return []protocol.Packet{protocol.JoinRoomResponse{ResultCode: roomCode}}
		}
		return nil
	}
}

func newTestClient() *Client {
	return New(Options{PlayerID: "player-1"})
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	t.Cleanup(cancel)
	return ctx
}

func TestAuthResponse(t *testing.T) {
	got := AuthResponse("abcd", testChallenge)
	assert.Equal(t, "8e134e47d5dcc8aa175f3643ce1455ce53e5923ea913d06369918add81130de5", hex.EncodeToString(got))
	assert.Nil(t, AuthResponse("", testChallenge))
}

func TestHandshakeScenario(t *testing.T) {
	srv := newScriptedServer(t, defaultResponder(protocol.JoinSuccess, protocol.JoinRoomSuccess))
	c := newTestClient()
	ctx := testContext(t)

	disconnects := make(chan error, 2)
	c.OnDisconnect("test", func(cause error) { disconnects <- cause })

	require.NoError(t, c.Connect(ctx, srv.addr()))
	assert.Equal(t, session.StateConnected, c.State())

	info, err := c.ServerInfo(ctx, protocol.ServerInfoFull)
	require.NoError(t, err)
	assert.Equal(t, "test server", info.Name)

	resp, err := c.JoinServer(ctx, "longboi", "abcd")
	require.NoError(t, err)
	assert.Equal(t, protocol.JoinSuccess, resp.ResultCode)
	name, joined := c.Joined()
	assert.True(t, joined)
	assert.Equal(t, "longboi", name)

	rooms, err := c.ListRooms(ctx)
	require.NoError(t, err)
	assert.Len(t, rooms, 3)

	roomResp, err := c.JoinRoom(ctx, 1, "")
	require.NoError(t, err)
	assert.Equal(t, protocol.JoinRoomSuccess, roomResp.ResultCode)
	room, ok := c.CurrentRoom()
	assert.True(t, ok)
	assert.Equal(t, 1, room)

	require.NoError(t, c.Close())
	srv.waitClosed(t)

	select {
	case cause := <-disconnects:
		assert.NoError(t, cause)
	case <-time.After(waitTimeout):
		t.Fatal("no disconnect event")
	}

	sent := srv.packets()
	require.Len(t, sent, 5)
	assert.Equal(t, protocol.ServerInfoRequest{Type: protocol.ServerInfoFull}, sent[0])

	join, ok := sent[1].(protocol.JoinRequest)
	require.True(t, ok)
	assert.Equal(t, "longboi", join.PlayerName)
	assert.Equal(t, "player-1", join.PlayerID)
	assert.Equal(t, AuthResponse("abcd", testChallenge), join.AuthResponse)

	assert.Equal(t, protocol.RoomListRequest{}, sent[2])
	assert.Equal(t, protocol.JoinRoomRequest{RoomID: 1}, sent[3])
	assert.Equal(t, protocol.Goodbye{}, sent[4])
}

func TestJoinServerRefusals(t *testing.T) {
	tests := []struct {
		code     protocol.JoinResult
		sentinel error
	}{
		{protocol.JoinServerFull, ErrServerFull},
		{protocol.JoinBadPassword, ErrBadPassword},
		{protocol.JoinBanned, ErrBanned},
		{protocol.JoinOther, ErrJoinRefused},
	}

	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			srv := newScriptedServer(t, defaultResponder(tt.code, protocol.JoinRoomSuccess))
			c := newTestClient()
			ctx := testContext(t)
			require.NoError(t, c.Connect(ctx, srv.addr()))
			defer c.Close()

			_, err := c.ServerInfo(ctx, protocol.ServerInfoFull)
			require.NoError(t, err)

			resp, err := c.JoinServer(ctx, "longboi", "abcd")
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)
			assert.True(t, IsAuthError(err))
			require.NotNil(t, resp)
			assert.Equal(t, tt.code, resp.ResultCode)

			var aerr *AuthError
			require.ErrorAs(t, err, &aerr)
			assert.Equal(t, tt.code.String(), aerr.Code)
			assert.Equal(t, "msg", aerr.Reason)

			// The connection stays usable after a refusal.
			assert.Equal(t, session.StateConnected, c.State())
			_, joined := c.Joined()
			assert.False(t, joined)
		})
	}
}

func TestRetryReusesChallenge(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	srv := newScriptedServer(t, func(p protocol.Packet) []protocol.Packet {
		switch p.(type) {
		case protocol.ServerInfoRequest:
			info := fullInfo()
			mu.Lock()
			// A second FULL answer carries a different challenge.
			if attempts > 0 {
				info.Details.AuthChallenge = []byte{0xff}
			}
			mu.Unlock()
			return []protocol.Packet{info}
		case protocol.JoinRequest:
			mu.Lock()
			attempts++
			code := protocol.JoinBadPassword
			if attempts > 1 {
				code = protocol.JoinSuccess
			}
			mu.Unlock()
			return []protocol.Packet{protocol.JoinResponse{ResultCode: code}}
		}
		return nil
	})

	c := newTestClient()
	ctx := testContext(t)
	require.NoError(t, c.Connect(ctx, srv.addr()))
	defer c.Close()

	_, err := c.ServerInfo(ctx, protocol.ServerInfoFull)
	require.NoError(t, err)

	_, err = c.JoinServer(ctx, "longboi", "wrong")
	assert.ErrorIs(t, err, ErrBadPassword)

	_, err = c.ServerInfo(ctx, protocol.ServerInfoFull)
	require.NoError(t, err)

	_, err = c.JoinServer(ctx, "longboi", "abcd")
	require.NoError(t, err)

	var joins []protocol.JoinRequest
	for _, p := range srv.packets() {
		if j, ok := p.(protocol.JoinRequest); ok {
			joins = append(joins, j)
		}
	}
	require.Len(t, joins, 2)
	assert.Equal(t, AuthResponse("wrong", testChallenge), joins[0].AuthResponse)
	assert.Equal(t, AuthResponse("abcd", testChallenge), joins[1].AuthResponse)
}

func TestJoinRoomRefusals(t *testing.T) {
	tests := []struct {
		code     protocol.JoinRoomResult
		sentinel error
	}{
		{protocol.JoinRoomFull, ErrRoomFull},
		{protocol.JoinRoomBadPassword, ErrBadPassword},
	}

	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			srv := newScriptedServer(t, defaultResponder(protocol.JoinSuccess, tt.code))
			c := newTestClient()
			ctx := testContext(t)
			require.NoError(t, c.Connect(ctx, srv.addr()))
			defer c.Close()

			_, err := c.JoinRoom(ctx, 3, "")
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)

			_, ok := c.CurrentRoom()
			assert.False(t, ok)
		})
	}
}

func TestPasswordWithoutChallenge(t *testing.T) {
	srv := newScriptedServer(t, defaultResponder(protocol.JoinSuccess, protocol.JoinRoomSuccess))
	c := newTestClient()
	ctx := testContext(t)
	require.NoError(t, c.Connect(ctx, srv.addr()))
	defer c.Close()

	// A BASIC answer carries no challenge.
	_, err := c.ServerInfo(ctx, protocol.ServerInfoBasic)
	require.NoError(t, err)

	_, err = c.JoinServer(ctx, "longboi", "abcd")
	assert.ErrorIs(t, err, ErrNoChallenge)

	_, err = c.JoinRoom(ctx, 1, "secret")
	assert.ErrorIs(t, err, ErrNoChallenge)

	// Without a password no challenge is needed.
	_, err = c.JoinServer(ctx, "guest", "")
	require.NoError(t, err)
}

func TestSendChatTargetsCurrentRoom(t *testing.T) {
	srv := newScriptedServer(t, defaultResponder(protocol.JoinSuccess, protocol.JoinRoomSuccess))
	c := newTestClient()
	ctx := testContext(t)
	require.NoError(t, c.Connect(ctx, srv.addr()))

	assert.Error(t, c.SendChat(ctx, protocol.ChatMessage{Text: "hi"}))

	_, err := c.JoinRoom(ctx, 2, "")
	require.NoError(t, err)
	require.NoError(t, c.SendChat(ctx, protocol.ChatMessage{Text: "hi", Emote: "wave"}))

	require.NoError(t, c.Close())
	srv.waitClosed(t)

	sent := srv.packets()
	require.GreaterOrEqual(t, len(sent), 2)
	assert.Equal(t, protocol.ChatMessage{RoomID: 2, Text: "hi", Emote: "wave"}, sent[1])
}

func TestPing(t *testing.T) {
	srv := newScriptedServer(t, defaultResponder(protocol.JoinSuccess, protocol.JoinRoomSuccess))
	c := newTestClient()
	ctx := testContext(t)
	require.NoError(t, c.Connect(ctx, srv.addr()))
	defer c.Close()

	rtt, err := c.Ping(ctx)
	require.NoError(t, err)
	assert.Greater(t, rtt, time.Duration(0))
	assert.Nil(t, c.Info(), "ping answers are not retained")
}

func TestOperationsBeforeConnect(t *testing.T) {
	c := newTestClient()
	ctx := testContext(t)

	_, err := c.ServerInfo(ctx, protocol.ServerInfoFull)
	assert.ErrorIs(t, err, session.ErrNotConnected)
	_, err = c.ListRooms(ctx)
	assert.ErrorIs(t, err, session.ErrNotConnected)
	assert.NoError(t, c.Close())
	assert.Equal(t, session.StateDisconnected, c.State())
}

func TestNotificationsReachSubscribers(t *testing.T) {
	srv := newScriptedServer(t, func(p protocol.Packet) []protocol.Packet {
		if _, ok := p.(protocol.RoomListRequest); ok {
			return []protocol.Packet{
				protocol.ChatOOC{PlayerID: 1, Msg: "first"},
				protocol.RoomListResponse{Rooms: []protocol.Room{}},
				protocol.ChatOOC{PlayerID: 1, Msg: "second"},
			}
		}
		return nil
	})

	c := newTestClient()
	ctx := testContext(t)

	got := make(chan protocol.Packet, 8)
	c.OnNotification("test", func(p protocol.Packet) { got <- p })

	require.NoError(t, c.Connect(ctx, srv.addr()))
	defer c.Close()

	_, err := c.ListRooms(ctx)
	require.NoError(t, err)

	want := []protocol.Packet{
		protocol.ChatOOC{PlayerID: 1, Msg: "first"},
		protocol.RoomListResponse{Rooms: []protocol.Room{}},
		protocol.ChatOOC{PlayerID: 1, Msg: "second"},
	}
	for _, w := range want {
		select {
		case p := <-got:
			assert.Equal(t, w, p)
		case <-time.After(waitTimeout):
			t.Fatal("notification not delivered")
		}
	}
}

func TestJoinServerNullResultCodeFailsConnection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		if _, err := protocol.ReadPacket(conn); err != nil {
			return
		}
		body, err := msgpack.Marshal(map[string]interface{}{
			"id":          string(protocol.KindJoinResponse),
			"result_code": nil,
			"msg":         nil,
		})
		if err != nil {
			return
		}
		frame := make([]byte, protocol.LengthPrefixSize+len(body))
		binary.LittleEndian.PutUint32(frame, uint32(len(body)))
		copy(frame[protocol.LengthPrefixSize:], body)
		conn.Write(frame)
		io.Copy(io.Discard, conn)
	}()

	c := newTestClient()
	ctx := testContext(t)
	require.NoError(t, c.Connect(ctx, ln.Addr().String()))

	resp, err := c.JoinServer(ctx, "longboi", "")
	require.Error(t, err)
	assert.Nil(t, resp)
	assert.True(t, session.IsProtocolError(err), "got %v", err)
	assert.True(t, protocol.IsMalformed(err))

	_, joined := c.Joined()
	assert.False(t, joined)

	select {
	case <-c.Done():
	case <-time.After(waitTimeout):
		t.Fatal("session stayed open after an undecodable frame")
	}
}
