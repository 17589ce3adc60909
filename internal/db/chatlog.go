package db

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/chatroom-project/chatroom/internal/events"
	"github.com/chatroom-project/chatroom/internal/protocol"
)

// EntryKind distinguishes in-character from out-of-character lines.
type EntryKind string

const (
	EntryIC  EntryKind = "ic"
	EntryOOC EntryKind = "ooc"
)

// Entry is one stored chat line.
type Entry struct {
	ID       int64     `json:"id"`
	Server   string    `json:"server"`
	RoomID   int       `json:"room_id"`
	Kind     EntryKind `json:"kind"`
	PlayerID int       `json:"player_id"`
	Speaker  string    `json:"speaker"`
	Text     string    `json:"text"`
	Emote    string    `json:"emote,omitempty"`
	Outgoing bool      `json:"outgoing"`
	At       time.Time `json:"at"`
}

// ChatLog stores chat lines received and sent by the client.
type ChatLog struct {
	db     *Database
	logger zerolog.Logger

	// Context for lines that do not carry it themselves.
	mu      sync.Mutex
	server  string
	roomID  int
	speaker string
}

// OpenChatLog opens the chat history database at path, creating the schema
// when needed.
func OpenChatLog(path string) (*ChatLog, error) {
	database, err := NewDatabase(path)
	if err != nil {
		return nil, err
	}

	cl := &ChatLog{
		db:     database,
		logger: log.With().Str("component", "chatlog").Logger(),
		roomID: -1,
	}

	if err := cl.migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate chat log database: %w", err)
	}
	return cl, nil
}

// migrate creates the database schema.
func (cl *ChatLog) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			server TEXT NOT NULL DEFAULT '',
			room_id INTEGER NOT NULL,
			kind TEXT NOT NULL,
			player_id INTEGER NOT NULL DEFAULT 0,
			speaker TEXT NOT NULL DEFAULT '',
			text TEXT NOT NULL,
			emote TEXT NOT NULL DEFAULT '',
			outgoing INTEGER NOT NULL DEFAULT 0,
			at_ms INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_messages_room ON messages(room_id, at_ms);
		CREATE INDEX IF NOT EXISTS idx_messages_at ON messages(at_ms);
	`

	if _, err := cl.db.Exec(context.Background(), schema); err != nil {
		return err
	}

	cl.logger.Debug().Msg("database schema migrated")
	return nil
}

// Close closes the underlying database.
func (cl *ChatLog) Close() error {
	return cl.db.Close()
}

// Append stores e and sets its ID. A zero At is set to now.
func (cl *ChatLog) Append(ctx context.Context, e *Entry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}

	res, err := cl.db.Exec(ctx,
		`INSERT INTO messages (server, room_id, kind, player_id, speaker, text, emote, outgoing, at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Server, e.RoomID, string(e.Kind), e.PlayerID, e.Speaker, e.Text, e.Emote, e.Outgoing, e.At.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to append chat entry: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read chat entry id: %w", err)
	}
	e.ID = id
	return nil
}

// Recent returns up to limit of the newest entries for roomID, oldest first.
func (cl *ChatLog) Recent(ctx context.Context, roomID, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := cl.db.Query(ctx,
		`SELECT id, server, room_id, kind, player_id, speaker, text, emote, outgoing, at_ms
		 FROM messages WHERE room_id = ? ORDER BY at_ms DESC, id DESC LIMIT ?`,
		roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query chat log: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e    Entry
			kind string
			atMs int64
		)
		if err := rows.Scan(&e.ID, &e.Server, &e.RoomID, &kind, &e.PlayerID, &e.Speaker,
			&e.Text, &e.Emote, &e.Outgoing, &atMs); err != nil {
			return nil, fmt.Errorf("failed to scan chat entry: %w", err)
		}
		e.Kind = EntryKind(kind)
		e.At = time.UnixMilli(atMs)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read chat log: %w", err)
	}

	// Reverse into chronological order.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// Prune deletes entries older than cutoff and returns how many were removed.
func (cl *ChatLog) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := cl.db.Exec(ctx, "DELETE FROM messages WHERE at_ms < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune chat log: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		cl.logger.Info().Int64("removed", n).Time("cutoff", cutoff).Msg("chat log pruned")
	}
	return n, nil
}

// Count returns the number of stored entries.
func (cl *ChatLog) Count(ctx context.Context) (int, error) {
	var n int
	if err := cl.db.QueryRow(ctx, "SELECT COUNT(*) FROM messages").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count chat log: %w", err)
	}
	return n, nil
}

// Attach subscribes the chat log to client events so received and sent
// chat lines are stored.
func (cl *ChatLog) Attach(bus *events.EventBus) {
	bus.Subscribe(events.EventConnected, "chatlog", cl.handleConnected)
	bus.Subscribe(events.EventJoinedServer, "chatlog", cl.handleJoinedServer)
	bus.Subscribe(events.EventJoinedRoom, "chatlog", cl.handleJoinedRoom)
	bus.Subscribe(events.EventNotification, "chatlog", cl.handleNotification)
	bus.Subscribe(events.EventChatSent, "chatlog", cl.handleChatSent)
}

func (cl *ChatLog) handleConnected(ctx context.Context, e events.Event) error {
	p, ok := e.Payload.(events.ConnectedPayload)
	if !ok {
		return nil
	}
	cl.mu.Lock()
	cl.server = p.Address
	cl.roomID = -1
	cl.mu.Unlock()
	return nil
}

func (cl *ChatLog) handleJoinedServer(ctx context.Context, e events.Event) error {
	p, ok := e.Payload.(events.JoinedServerPayload)
	if !ok {
		return nil
	}
	cl.mu.Lock()
	cl.speaker = p.PlayerName
	cl.mu.Unlock()
	return nil
}

func (cl *ChatLog) handleJoinedRoom(ctx context.Context, e events.Event) error {
	p, ok := e.Payload.(events.JoinedRoomPayload)
	if !ok {
		return nil
	}
	cl.mu.Lock()
	cl.roomID = p.RoomID
	cl.mu.Unlock()
	return nil
}

func (cl *ChatLog) handleNotification(ctx context.Context, e events.Event) error {
	p, ok := e.Payload.(events.NotificationPayload)
	if !ok {
		return nil
	}

	cl.mu.Lock()
	server, room := cl.server, cl.roomID
	cl.mu.Unlock()

	var entry *Entry
	switch pkt := p.Packet.(type) {
	case protocol.ChatMessage:
		entry = &Entry{RoomID: pkt.RoomID, Kind: EntryIC, Text: pkt.Text, Emote: pkt.Emote}
	case protocol.ChatOOC:
		entry = &Entry{RoomID: room, Kind: EntryOOC, PlayerID: pkt.PlayerID,
			Speaker: "player " + strconv.Itoa(pkt.PlayerID), Text: pkt.Msg}
	default:
		return nil
	}
	entry.Server = server
	entry.At = p.ReceivedAt
	return cl.Append(ctx, entry)
}

func (cl *ChatLog) handleChatSent(ctx context.Context, e events.Event) error {
	p, ok := e.Payload.(events.ChatSentPayload)
	if !ok {
		return nil
	}

	cl.mu.Lock()
	server, speaker := cl.server, cl.speaker
	cl.mu.Unlock()

	return cl.Append(ctx, &Entry{
		Server:   server,
		RoomID:   p.Message.RoomID,
		Kind:     EntryIC,
		Speaker:  speaker,
		Text:     p.Message.Text,
		Emote:    p.Message.Emote,
		Outgoing: true,
		At:       p.SentAt,
	})
}
