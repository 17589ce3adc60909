// Package protocol implements the chatroom wire protocol: the packet
// catalog, the msgpack body codec and the length-prefixed framing.
// Every frame is a 4-byte little-endian length followed by exactly that
// many bytes of msgpack-encoded packet body.
package protocol

// Kind is the discriminant carried in every packet body under DiscriminantKey.
type Kind string

// DiscriminantKey is the map key holding the packet kind on the wire.
const DiscriminantKey = "id"

// Packet kinds.
const (
	KindServerInfoRequest  Kind = "ServerInfoRequest"
	KindServerInfoResponse Kind = "ServerInfoResponse"
	KindJoinRequest        Kind = "JoinRequest"
	KindJoinResponse       Kind = "JoinResponse"
	KindRoomListRequest    Kind = "RoomListRequest"
	KindRoomListResponse   Kind = "RoomListResponse"
	KindJoinRoomRequest    Kind = "JoinRoomRequest"
	KindJoinRoomResponse   Kind = "JoinRoomResponse"
	KindChatMessage        Kind = "ChatMessage"
	KindGoodbye            Kind = "Goodbye"

	// Server notifications
	KindChatOOC       Kind = "Chat_OOC"
	KindPlayerJoined  Kind = "Join"
	KindPlayerLeft    Kind = "Leave"
	KindDisconnect    Kind = "Disconnect"
	KindSetBackground Kind = "SetBackground"
	KindSoundPlay     Kind = "SoundPlay"
	KindSoundStop     Kind = "SoundStop"
	KindSoundVolume   Kind = "SoundVolume"

	KindAssetListRequest  Kind = "AssetListRequest"
	KindAssetListResponse Kind = "AssetListResponse"
)

// Packet is implemented by every variant in the catalog.
// Variants are plain values and never reference a connection.
type Packet interface {
	Kind() Kind
}

// ServerInfoType selects how much a ServerInfoRequest asks for.
type ServerInfoType int

const (
	ServerInfoPing ServerInfoType = iota
	ServerInfoBasic
	ServerInfoFull
)

var serverInfoTypeStrings = map[ServerInfoType]string{
	ServerInfoPing:  "ping",
	ServerInfoBasic: "basic",
	ServerInfoFull:  "full",
}

func (t ServerInfoType) String() string {
	if s, ok := serverInfoTypeStrings[t]; ok {
		return s
	}
	return "unknown"
}

// Protection describes who may join a server.
type Protection int

const (
	ProtectionOpen Protection = iota
	ProtectionJoinWithPassword
	ProtectionSpectateOnly
	ProtectionWhitelist
	ProtectionClosed
)

var protectionStrings = map[Protection]string{
	ProtectionOpen:             "open",
	ProtectionJoinWithPassword: "join_with_password",
	ProtectionSpectateOnly:     "spectate_only",
	ProtectionWhitelist:        "whitelist",
	ProtectionClosed:           "closed",
}

// String returns the lowercase name of the protection level.
func (p Protection) String() string {
	if s, ok := protectionStrings[p]; ok {
		return s
	}
	return "unknown"
}

// MarshalJSON serializes Protection as a JSON string (e.g. "open").
func (p Protection) MarshalJSON() ([]byte, error) {
	return []byte(`"` + p.String() + `"`), nil
}

// JoinResult is the result code of a JoinResponse.
type JoinResult int

const (
	JoinSuccess JoinResult = iota
	JoinServerFull
	JoinBadPassword
	JoinBanned
	JoinOther
)

var joinResultStrings = map[JoinResult]string{
	JoinSuccess:     "success",
	JoinServerFull:  "server_full",
	JoinBadPassword: "bad_password",
	JoinBanned:      "banned",
	JoinOther:       "other",
}

func (r JoinResult) String() string {
	if s, ok := joinResultStrings[r]; ok {
		return s
	}
	return "unknown"
}

// JoinRoomResult is the result code of a JoinRoomResponse.
type JoinRoomResult int

const (
	JoinRoomSuccess JoinRoomResult = iota
	JoinRoomFull
	JoinRoomBadPassword
)

var joinRoomResultStrings = map[JoinRoomResult]string{
	JoinRoomSuccess:     "success",
	JoinRoomFull:        "room_full",
	JoinRoomBadPassword: "bad_password",
}

func (r JoinRoomResult) String() string {
	if s, ok := joinRoomResultStrings[r]; ok {
		return s
	}
	return "unknown"
}

// DisconnectCause explains why the server dropped a player.
type DisconnectCause int

const (
	DisconnectUnspecified DisconnectCause = iota
	DisconnectByUser
	DisconnectKicked
	DisconnectBanned
)

// TransitionType is the background transition effect.
type TransitionType int

const (
	TransitionNone TransitionType = iota
	TransitionFadeToBlack
	TransitionCrossfade
	TransitionFadeToWhite
)

// ---- Handshake ----

// ServerInfoRequest asks the server to describe itself.
type ServerInfoRequest struct {
	Type ServerInfoType `msgpack:"type" json:"type"`
}

// PlayerEntry is one player listed in ServerDetails.
type PlayerEntry struct {
	PlayerID   string `msgpack:"player_id" json:"player_id"`
	PlayerName string `msgpack:"player_name" json:"player_name"`
}

// ServerDetails is only present in answers to a FULL request.
type ServerDetails struct {
	AuthChallenge []byte        `msgpack:"auth_challenge" json:"-"`
	Desc          string        `msgpack:"desc" json:"desc"`
	Players       []PlayerEntry `msgpack:"players" json:"players"`
}

// ServerInfoResponse answers a ServerInfoRequest.
type ServerInfoResponse struct {
	Name        string         `msgpack:"name" json:"name"`
	Address     string         `msgpack:"address" json:"address"`
	Port        int            `msgpack:"port" json:"port"`
	Version     string         `msgpack:"version" json:"version"`
	PlayerCount int            `msgpack:"player_count" json:"player_count"`
	MaxPlayers  int            `msgpack:"max_players" json:"max_players"`
	Protection  Protection     `msgpack:"protection" json:"protection"`
	Details     *ServerDetails `msgpack:"details,omitempty" json:"details,omitempty"`
}

// JoinRequest authenticates a player with the server.
// AuthResponse is omitted from the wire when empty, meaning "no password"; an
// empty slice therefore decodes back as nil.
type JoinRequest struct {
	PlayerName   string `msgpack:"player_name"`
	PlayerID     string `msgpack:"player_id"`
	AuthResponse []byte `msgpack:"auth_response,omitempty"`
	Master       bool   `msgpack:"master"`
}

// JoinResponse carries the outcome of a JoinRequest.
type JoinResponse struct {
	ResultCode JoinResult `msgpack:"result_code"`
	Msg        string     `msgpack:"msg"`
}

// ---- Rooms ----

// RoomListRequest asks for the list of rooms.
type RoomListRequest struct{}

// Room describes one chat room.
type Room struct {
	ID          int    `msgpack:"id" json:"id"`
	Name        string `msgpack:"name" json:"name"`
	Desc        string `msgpack:"desc" json:"desc"`
	PlayerCount int    `msgpack:"player_count" json:"player_count"`
	MaxPlayers  int    `msgpack:"max_players" json:"max_players"`
	Protected   bool   `msgpack:"protected" json:"protected"`
}

// RoomListResponse answers a RoomListRequest.
type RoomListResponse struct {
	Rooms []Room `msgpack:"rooms"`
}

// JoinRoomRequest asks to enter a room. AuthResponse is omitted when empty.
type JoinRoomRequest struct {
	RoomID       int    `msgpack:"room_id"`
	AuthResponse []byte `msgpack:"auth_response,omitempty"`
}

// JoinRoomResponse carries the outcome of a JoinRoomRequest.
type JoinRoomResponse struct {
	ResultCode JoinRoomResult `msgpack:"result_code"`
}

// ---- Chat ----

// ChatMessage is an in-character line of chat in a room.
type ChatMessage struct {
	RoomID       int    `msgpack:"room_id" json:"room_id"`
	Text         string `msgpack:"text" json:"text"`
	Emote        string `msgpack:"emote" json:"emote"`
	Preanimation string `msgpack:"preanimation" json:"preanimation"`
}

// ChatOOC is an out-of-character message from another player.
type ChatOOC struct {
	PlayerID int    `msgpack:"player_id" json:"player_id"`
	Msg      string `msgpack:"msg" json:"msg"`
}

// PlayerJoined announces a player entering the current room.
type PlayerJoined struct {
	PlayerID   int    `msgpack:"player_id" json:"player_id"`
	PlayerName string `msgpack:"player_name" json:"player_name"`
	CharID     string `msgpack:"char_id" json:"char_id"`
}

// PlayerLeft announces a player leaving the current room.
type PlayerLeft struct {
	PlayerID int `msgpack:"player_id" json:"player_id"`
}

// Disconnect announces that a player was dropped.
type Disconnect struct {
	Cause    DisconnectCause `msgpack:"cause" json:"cause"`
	PlayerID int             `msgpack:"player_id" json:"player_id"`
}

// Goodbye ends a session. Either side may send it.
type Goodbye struct{}

// ---- Scene ----

// Transition describes how a background change is animated.
type Transition struct {
	Type TransitionType `msgpack:"type" json:"type"`
	Time float64        `msgpack:"time" json:"time"`
}

// SetBackground switches the room background.
type SetBackground struct {
	Name       string      `msgpack:"name" json:"name"`
	Transition *Transition `msgpack:"transition,omitempty" json:"transition,omitempty"`
}

// SoundPlay starts a sound on a channel.
type SoundPlay struct {
	Name    string `msgpack:"name" json:"name"`
	Channel int    `msgpack:"channel" json:"channel"`
	Loop    bool   `msgpack:"loop" json:"loop"`
}

// SoundStop stops a channel.
type SoundStop struct {
	Channel int `msgpack:"channel" json:"channel"`
}

// SoundVolume changes a channel's volume.
type SoundVolume struct {
	Channel int  `msgpack:"channel" json:"channel"`
	Smooth  bool `msgpack:"smooth" json:"smooth"`
}

// AssetListRequest asks which asset bundles the server expects.
type AssetListRequest struct{}

// AssetListResponse lists asset bundle names.
type AssetListResponse struct {
	Assets []string `msgpack:"assets" json:"assets"`
}

func (ServerInfoRequest) Kind() Kind  { return KindServerInfoRequest }
func (ServerInfoResponse) Kind() Kind { return KindServerInfoResponse }
func (JoinRequest) Kind() Kind        { return KindJoinRequest }
func (JoinResponse) Kind() Kind       { return KindJoinResponse }
func (RoomListRequest) Kind() Kind    { return KindRoomListRequest }
func (RoomListResponse) Kind() Kind   { return KindRoomListResponse }
func (JoinRoomRequest) Kind() Kind    { return KindJoinRoomRequest }
func (JoinRoomResponse) Kind() Kind   { return KindJoinRoomResponse }
func (ChatMessage) Kind() Kind        { return KindChatMessage }
func (ChatOOC) Kind() Kind            { return KindChatOOC }
func (PlayerJoined) Kind() Kind       { return KindPlayerJoined }
func (PlayerLeft) Kind() Kind         { return KindPlayerLeft }
func (Disconnect) Kind() Kind         { return KindDisconnect }
func (Goodbye) Kind() Kind            { return KindGoodbye }
func (SetBackground) Kind() Kind      { return KindSetBackground }
func (SoundPlay) Kind() Kind          { return KindSoundPlay }
func (SoundStop) Kind() Kind          { return KindSoundStop }
func (SoundVolume) Kind() Kind        { return KindSoundVolume }
func (AssetListRequest) Kind() Kind   { return KindAssetListRequest }
func (AssetListResponse) Kind() Kind  { return KindAssetListResponse }
