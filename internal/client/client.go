// Package client drives the chatroom handshake over a session: server
// info, server join, room listing, room join and chat. Every step is a
// request/response pair correlated by the session.
package client

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/chatroom-project/chatroom/internal/events"
	"github.com/chatroom-project/chatroom/internal/identity"
	"github.com/chatroom-project/chatroom/internal/protocol"
	"github.com/chatroom-project/chatroom/internal/session"
)

// DefaultPort is the port chatroom servers listen on.
const DefaultPort = 42505

// NoRoom is the CurrentRoom value before any room join succeeds.
const NoRoom = -1

// Options configure a Client.
type Options struct {
	Session session.Options
	// PlayerID is sent in JoinRequest. Empty derives one from the machine.
	PlayerID string
	Master   bool
	// Bus receives client events. Nil creates a private bus.
	Bus *events.EventBus
}

// AuthResponse hashes password with the server challenge. An empty password
// yields nil, which leaves auth_response absent on the wire.
func AuthResponse(password string, challenge []byte) []byte {
	if password == "" {
		return nil
	}
	h := sha256.New()
	h.Write([]byte(password))
	h.Write(challenge)
	return h.Sum(nil)
}

// Client is the caller-facing handshake API. It is safe for concurrent use;
// each method suspends the caller until its response arrives.
type Client struct {
	opts   Options
	bus    *events.EventBus
	logger zerolog.Logger

	mu         sync.RWMutex
	sess       *session.Session
	info       *protocol.ServerInfoResponse
	challenge  []byte
	playerName string
	joined     bool
	roomID     int
}

// New creates a client. No connection is opened until Connect.
func New(opts Options) *Client {
	if opts.PlayerID == "" {
		opts.PlayerID = identity.PlayerID()
	}
	bus := opts.Bus
	if bus == nil {
		bus = events.NewEventBus()
	}
	return &Client{
		opts:   opts,
		bus:    bus,
		logger: log.With().Str("component", "client").Logger(),
		roomID: NoRoom,
	}
}

// Bus returns the event bus client events are published on.
func (c *Client) Bus() *events.EventBus {
	return c.bus
}

// PlayerID returns the identifier sent when joining a server.
func (c *Client) PlayerID() string {
	return c.opts.PlayerID
}

// Connect opens a new session to addr, closing any previous one first.
// Per-connection state such as the auth challenge starts empty.
func (c *Client) Connect(ctx context.Context, addr string) error {
	c.mu.Lock()
	prev := c.sess
	c.mu.Unlock()
	if prev != nil {
		prev.Close()
	}

	sess := session.New(c.opts.Session, session.Handlers{
		OnNotification: func(p protocol.Packet) {
			c.bus.Emit(context.Background(), events.Event{
				Type:    events.EventNotification,
				Source:  addr,
				Payload: events.NotificationPayload{Packet: p, ReceivedAt: time.Now()},
			})
		},
		OnDisconnect: func(cause error) {
			c.bus.Emit(context.Background(), events.Event{
				Type:    events.EventDisconnected,
				Source:  addr,
				Payload: events.DisconnectedPayload{Address: addr, Cause: cause},
			})
		},
		OnException: func(err error) {
			c.bus.Emit(context.Background(), events.Event{
				Type:    events.EventException,
				Source:  addr,
				Payload: events.ExceptionPayload{Err: err},
			})
		},
	})

	c.mu.Lock()
	c.sess = sess
	c.info = nil
	c.challenge = nil
	c.joined = false
	c.roomID = NoRoom
	c.mu.Unlock()

	if err := sess.Connect(ctx, addr); err != nil {
		return err
	}

	c.bus.Emit(context.WithoutCancel(ctx), events.Event{
		Type:    events.EventConnected,
		Source:  addr,
		Payload: events.ConnectedPayload{Address: addr},
	})
	return nil
}

// ServerInfo asks the server to describe itself. The first FULL answer on
// a connection fixes the auth challenge for every later join attempt.
func (c *Client) ServerInfo(ctx context.Context, typ protocol.ServerInfoType) (*protocol.ServerInfoResponse, error) {
	sess, err := c.session()
	if err != nil {
		return nil, err
	}

	pkt, err := sess.Request(ctx, protocol.ServerInfoRequest{Type: typ}, protocol.KindServerInfoResponse)
	if err != nil {
		return nil, fmt.Errorf("failed to get server info: %w", err)
	}
	resp, ok := pkt.(protocol.ServerInfoResponse)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedPacket, pkt.Kind())
	}

	c.mu.Lock()
	if c.sess == sess {
		c.info = &resp
		if c.challenge == nil && resp.Details != nil && len(resp.Details.AuthChallenge) > 0 {
			c.challenge = append([]byte(nil), resp.Details.AuthChallenge...)
			c.logger.Debug().Int("challenge_len", len(c.challenge)).Msg("auth challenge retained")
		}
	}
	c.mu.Unlock()

	c.logger.Info().
		Str("server", resp.Name).
		Str("version", resp.Version).
		Str("protection", resp.Protection.String()).
		Int("players", resp.PlayerCount).
		Int("max_players", resp.MaxPlayers).
		Msg("server info")
	return &resp, nil
}

// JoinServer authenticates as name. A refusal is returned as *AuthError
// and leaves the connection open, so a retry reuses the same challenge.
func (c *Client) JoinServer(ctx context.Context, name, password string) (*protocol.JoinResponse, error) {
	sess, err := c.session()
	if err != nil {
		return nil, err
	}

	auth, err := c.authResponse(password)
	if err != nil {
		return nil, err
	}

	req := protocol.JoinRequest{
		PlayerName:   name,
		PlayerID:     c.opts.PlayerID,
		AuthResponse: auth,
		Master:       c.opts.Master,
	}
	pkt, err := sess.Request(ctx, req, protocol.KindJoinResponse)
	if err != nil {
		return nil, fmt.Errorf("failed to join server: %w", err)
	}
	resp, ok := pkt.(protocol.JoinResponse)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedPacket, pkt.Kind())
	}

	if resp.ResultCode != protocol.JoinSuccess {
		aerr := joinError(resp)
		c.logger.Warn().Str("result", aerr.Code).Str("reason", resp.Msg).Msg("server join refused")
		return &resp, aerr
	}

	c.mu.Lock()
	c.joined = true
	c.playerName = name
	serverName := ""
	if c.info != nil {
		serverName = c.info.Name
	}
	c.mu.Unlock()

	c.logger.Info().Str("player", name).Msg("joined server")
	c.bus.Emit(context.WithoutCancel(ctx), events.Event{
		Type:   events.EventJoinedServer,
		Source: sess.Address(),
		Payload: events.JoinedServerPayload{
			Address:    sess.Address(),
			ServerName: serverName,
			PlayerName: name,
			PlayerID:   c.opts.PlayerID,
		},
	})
	return &resp, nil
}

// ListRooms returns the server's rooms.
func (c *Client) ListRooms(ctx context.Context) ([]protocol.Room, error) {
	sess, err := c.session()
	if err != nil {
		return nil, err
	}

	pkt, err := sess.Request(ctx, protocol.RoomListRequest{}, protocol.KindRoomListResponse)
	if err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}
	resp, ok := pkt.(protocol.RoomListResponse)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedPacket, pkt.Kind())
	}

	c.logger.Debug().Int("rooms", len(resp.Rooms)).Msg("room list received")
	return resp.Rooms, nil
}

// JoinRoom enters roomID, hashing password with the retained challenge.
func (c *Client) JoinRoom(ctx context.Context, roomID int, password string) (*protocol.JoinRoomResponse, error) {
	sess, err := c.session()
	if err != nil {
		return nil, err
	}

	auth, err := c.authResponse(password)
	if err != nil {
		return nil, err
	}

	req := protocol.JoinRoomRequest{RoomID: roomID, AuthResponse: auth}
	pkt, err := sess.Request(ctx, req, protocol.KindJoinRoomResponse)
	if err != nil {
		return nil, fmt.Errorf("failed to join room %d: %w", roomID, err)
	}
	resp, ok := pkt.(protocol.JoinRoomResponse)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedPacket, pkt.Kind())
	}

	if resp.ResultCode != protocol.JoinRoomSuccess {
		aerr := joinRoomError(roomID, resp)
		c.logger.Warn().Int("room", roomID).Str("result", aerr.Code).Msg("room join refused")
		return &resp, aerr
	}

	c.mu.Lock()
	c.roomID = roomID
	c.mu.Unlock()

	c.logger.Info().Int("room", roomID).Msg("joined room")
	c.bus.Emit(context.WithoutCancel(ctx), events.Event{
		Type:    events.EventJoinedRoom,
		Source:  sess.Address(),
		Payload: events.JoinedRoomPayload{RoomID: roomID},
	})
	return &resp, nil
}

// SendChat writes an in-character line. A zero RoomID targets the current
// room.
func (c *Client) SendChat(ctx context.Context, msg protocol.ChatMessage) error {
	sess, err := c.session()
	if err != nil {
		return err
	}

	if msg.RoomID == 0 {
		room, ok := c.CurrentRoom()
		if !ok {
			return fmt.Errorf("failed to send chat: not in a room")
		}
		msg.RoomID = room
	}

	if err := sess.Send(ctx, msg); err != nil {
		return fmt.Errorf("failed to send chat: %w", err)
	}

	c.bus.Emit(context.WithoutCancel(ctx), events.Event{
		Type:    events.EventChatSent,
		Source:  sess.Address(),
		Payload: events.ChatSentPayload{Message: msg, SentAt: time.Now()},
	})
	return nil
}

// Ping measures the round trip of a PING server info request.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	sess, err := c.session()
	if err != nil {
		return 0, err
	}

	start := time.Now()
	if _, err := sess.Request(ctx, protocol.ServerInfoRequest{Type: protocol.ServerInfoPing}, protocol.KindServerInfoResponse); err != nil {
		return 0, fmt.Errorf("ping failed: %w", err)
	}
	return time.Since(start), nil
}

// Close ends the current session, sending Goodbye. It is idempotent.
func (c *Client) Close() error {
	c.mu.RLock()
	sess := c.sess
	c.mu.RUnlock()

	if sess == nil {
		return nil
	}
	return sess.Close()
}

// OnNotification subscribes fn to every packet received from the server.
func (c *Client) OnNotification(name string, fn func(protocol.Packet)) {
	c.bus.Subscribe(events.EventNotification, name, func(ctx context.Context, e events.Event) error {
		if p, ok := e.Payload.(events.NotificationPayload); ok {
			fn(p.Packet)
		}
		return nil
	})
}

// OnDisconnect subscribes fn to disconnects. A nil cause means a local close.
func (c *Client) OnDisconnect(name string, fn func(cause error)) {
	c.bus.Subscribe(events.EventDisconnected, name, func(ctx context.Context, e events.Event) error {
		if p, ok := e.Payload.(events.DisconnectedPayload); ok {
			fn(p.Cause)
		}
		return nil
	})
}

// OnException subscribes fn to receive-path faults.
func (c *Client) OnException(name string, fn func(err error)) {
	c.bus.Subscribe(events.EventException, name, func(ctx context.Context, e events.Event) error {
		if p, ok := e.Payload.(events.ExceptionPayload); ok {
			fn(p.Err)
		}
		return nil
	})
}

// State returns the state of the current session.
func (c *Client) State() session.State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.sess == nil {
		return session.StateDisconnected
	}
	return c.sess.State()
}

// Done is closed when the current session ends. It is nil before Connect.
func (c *Client) Done() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.sess == nil {
		return nil
	}
	return c.sess.Done()
}

// LastActivity returns the time of the last traffic on the current session.
func (c *Client) LastActivity() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.sess == nil {
		return time.Time{}
	}
	return c.sess.LastActivity()
}

// Address returns the server address of the current session.
func (c *Client) Address() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.sess == nil {
		return ""
	}
	return c.sess.Address()
}

// Info returns the last server info received on this connection.
func (c *Client) Info() *protocol.ServerInfoResponse {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info
}

// Joined reports whether the server accepted a JoinRequest on this
// connection, and the name used.
func (c *Client) Joined() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.playerName, c.joined
}

// CurrentRoom returns the room joined last on this connection.
func (c *Client) CurrentRoom() (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.roomID, c.roomID != NoRoom
}

func (c *Client) session() (*session.Session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.sess == nil {
		return nil, session.ErrNotConnected
	}
	return c.sess, nil
}

func (c *Client) authResponse(password string) ([]byte, error) {
	if password == "" {
		return nil, nil
	}
	c.mu.RLock()
	challenge := c.challenge
	c.mu.RUnlock()
	if challenge == nil {
		return nil, ErrNoChallenge
	}
	return AuthResponse(password, challenge), nil
}
