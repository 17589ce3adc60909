// Package events defines the event types published by a chatroom client
// and the bus that delivers them.
package events

import (
	"time"

	"github.com/chatroom-project/chatroom/internal/protocol"
)

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Connection lifecycle events
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
	EventException    EventType = "exception"

	// Protocol events
	EventNotification EventType = "notification"
	EventJoinedServer EventType = "joined_server"
	EventJoinedRoom   EventType = "joined_room"
	EventChatSent     EventType = "chat_sent"

	// System events
	EventConfigChanged EventType = "config_changed"
	EventShutdown      EventType = "shutdown"
)

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
}

// ConnectedPayload is emitted once the transport is established.
type ConnectedPayload struct {
	Address string
}

// DisconnectedPayload carries the disconnect cause; nil means a local close.
type DisconnectedPayload struct {
	Address string
	Cause   error
}

// ExceptionPayload carries a fault raised on the receive path.
type ExceptionPayload struct {
	Err error
}

// NotificationPayload carries one packet received from the server.
type NotificationPayload struct {
	Packet     protocol.Packet
	ReceivedAt time.Time
}

// JoinedServerPayload is emitted after a successful server join.
type JoinedServerPayload struct {
	Address    string
	ServerName string
	PlayerName string
	PlayerID   string
}

// JoinedRoomPayload is emitted after a successful room join.
type JoinedRoomPayload struct {
	RoomID int
}

// ChatSentPayload is emitted after a chat line is written to the server.
type ChatSentPayload struct {
	Message protocol.ChatMessage
	SentAt  time.Time
}

// ConfigChangedPayload is emitted when configuration changes occur.
type ConfigChangedPayload struct {
	Section string
	Key     string
	Value   interface{}
}
