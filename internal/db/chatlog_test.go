package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatroom-project/chatroom/internal/events"
	"github.com/chatroom-project/chatroom/internal/protocol"
)

func openTestLog(t *testing.T) *ChatLog {
	t.Helper()
	cl, err := OpenChatLog(filepath.Join(t.TempDir(), "nested", "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cl.Close() })
	return cl
}

func TestAppendAndRecent(t *testing.T) {
	cl := openTestLog(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i, text := range []string{"one", "two", "three"} {
		e := &Entry{RoomID: 4, Kind: EntryIC, Text: text, At: base.Add(time.Duration(i) * time.Minute)}
		require.NoError(t, cl.Append(ctx, e))
		assert.NotZero(t, e.ID)
	}
	require.NoError(t, cl.Append(ctx, &Entry{RoomID: 5, Kind: EntryOOC, Text: "elsewhere"}))

	got, err := cl.Recent(ctx, 4, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "two", got[0].Text)
	assert.Equal(t, "three", got[1].Text)
	assert.Equal(t, EntryIC, got[1].Kind)

	n, err := cl.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestPrune(t *testing.T) {
	cl := openTestLog(t)
	ctx := context.Background()

	old := &Entry{RoomID: 1, Kind: EntryIC, Text: "old", At: time.Now().Add(-48 * time.Hour)}
	fresh := &Entry{RoomID: 1, Kind: EntryIC, Text: "fresh"}
	require.NoError(t, cl.Append(ctx, old))
	require.NoError(t, cl.Append(ctx, fresh))

	removed, err := cl.Prune(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	got, err := cl.Recent(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "fresh", got[0].Text)
}

func TestAttachRecordsChat(t *testing.T) {
	cl := openTestLog(t)
	bus := events.NewEventBus()
	cl.Attach(bus)
	ctx := context.Background()

	// EmitSync keeps the context updates ordered before the chat lines.
	require.NoError(t, bus.EmitSync(ctx, events.Event{Type: events.EventConnected,
		Payload: events.ConnectedPayload{Address: "127.0.0.1:42505"}}))
	require.NoError(t, bus.EmitSync(ctx, events.Event{Type: events.EventJoinedServer,
		Payload: events.JoinedServerPayload{PlayerName: "alice"}}))
	require.NoError(t, bus.EmitSync(ctx, events.Event{Type: events.EventJoinedRoom,
		Payload: events.JoinedRoomPayload{RoomID: 3}}))

	require.NoError(t, bus.EmitSync(ctx, events.Event{Type: events.EventNotification,
		Payload: events.NotificationPayload{Packet: protocol.ChatOOC{PlayerID: 7, Msg: "hi"}, ReceivedAt: time.Now()}}))
	require.NoError(t, bus.EmitSync(ctx, events.Event{Type: events.EventNotification,
		Payload: events.NotificationPayload{Packet: protocol.PlayerLeft{PlayerID: 7}, ReceivedAt: time.Now()}}))
	require.NoError(t, bus.EmitSync(ctx, events.Event{Type: events.EventChatSent,
		Payload: events.ChatSentPayload{Message: protocol.ChatMessage{RoomID: 3, Text: "hello"}, SentAt: time.Now()}}))

	got, err := cl.Recent(ctx, 3, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, EntryOOC, got[0].Kind)
	assert.Equal(t, 7, got[0].PlayerID)
	assert.Equal(t, "127.0.0.1:42505", got[0].Server)
	assert.False(t, got[0].Outgoing)

	assert.Equal(t, "hello", got[1].Text)
	assert.Equal(t, "alice", got[1].Speaker)
	assert.True(t, got[1].Outgoing)

	bus.Stop()
}
