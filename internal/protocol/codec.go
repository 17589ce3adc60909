package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// MalformedPacketError is returned by Decode when a body cannot be mapped
// onto a catalog variant.
type MalformedPacketError struct {
	Kind   Kind
	Field  string
	Reason string
	Err    error
}

func (e *MalformedPacketError) Error() string {
	msg := "malformed packet"
	if e.Kind != "" {
		msg += " " + string(e.Kind)
	}
	if e.Field != "" {
		msg += fmt.Sprintf(" [%s]", e.Field)
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += fmt.Sprintf(" (%v)", e.Err)
	}
	return msg
}

func (e *MalformedPacketError) Unwrap() error {
	return e.Err
}

// IsMalformed reports whether err is, or wraps, a MalformedPacketError.
func IsMalformed(err error) bool {
	var mp *MalformedPacketError
	return errors.As(err, &mp)
}

// Encode serializes a packet into a msgpack map of its fields plus the
// DiscriminantKey entry. Keys are written in sorted order so the same packet
// always produces the same bytes.
func Encode(p Packet) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("cannot encode nil packet")
	}

	raw, err := msgpack.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", p.Kind(), err)
	}

	var fields map[string]msgpack.RawMessage
	if err := msgpack.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("failed to encode %s: body is not a map: %w", p.Kind(), err)
	}
	delete(fields, DiscriminantKey)

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.EncodeMapLen(len(keys) + 1); err != nil {
		return nil, err
	}
	if err := enc.EncodeString(DiscriminantKey); err != nil {
		return nil, err
	}
	if err := enc.EncodeString(string(p.Kind())); err != nil {
		return nil, err
	}
	for _, k := range keys {
		if err := enc.EncodeString(k); err != nil {
			return nil, err
		}
		if err := enc.Encode(fields[k]); err != nil {
			return nil, fmt.Errorf("failed to encode %s field %s: %w", p.Kind(), k, err)
		}
	}

	return buf.Bytes(), nil
}

// Decode parses a packet body. Unknown kinds, missing or null required
// fields and fields of the wrong type all yield a *MalformedPacketError.
func Decode(data []byte) (Packet, error) {
	var fields map[string]msgpack.RawMessage
	if err := msgpack.Unmarshal(data, &fields); err != nil {
		return nil, &MalformedPacketError{Reason: "body is not a map", Err: err}
	}

	rawKind, ok := fields[DiscriminantKey]
	if !ok {
		return nil, &MalformedPacketError{Field: DiscriminantKey, Reason: "missing discriminant"}
	}
	var kindStr string
	if err := msgpack.Unmarshal(rawKind, &kindStr); err != nil {
		return nil, &MalformedPacketError{Field: DiscriminantKey, Reason: "discriminant is not a string", Err: err}
	}
	kind := Kind(kindStr)

	entry, ok := lookup(kind)
	if !ok {
		return nil, &MalformedPacketError{Kind: kind, Reason: "unknown packet kind"}
	}

	for _, field := range entry.required {
		raw, present := fields[field]
		if !present {
			return nil, &MalformedPacketError{Kind: kind, Field: field, Reason: "required field missing"}
		}
		if isNull(raw) {
			return nil, &MalformedPacketError{Kind: kind, Field: field, Reason: "required field is null"}
		}
	}

	p, err := entry.decode(data)
	if err != nil {
		return nil, &MalformedPacketError{Kind: kind, Reason: "field type mismatch", Err: err}
	}
	return p, nil
}

// isNull reports whether a field value is msgpack nil. The map decoder
// stores a nil value as an empty RawMessage.
func isNull(raw msgpack.RawMessage) bool {
	return len(raw) == 0 || (len(raw) == 1 && raw[0] == msgpcode.Nil)
}

type catalogEntry struct {
	required []string
	decode   func([]byte) (Packet, error)
}

func decodeAs[T Packet](data []byte) (Packet, error) {
	var p T
	if err := msgpack.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return p, nil
}

// lookup resolves a discriminant to its decoder and required field set.
func lookup(kind Kind) (catalogEntry, bool) {
	switch kind {
	case KindServerInfoRequest:
		return catalogEntry{[]string{"type"}, decodeAs[ServerInfoRequest]}, true
	case KindServerInfoResponse:
		return catalogEntry{[]string{"name", "address", "port", "version", "player_count", "max_players", "protection"},
			decodeAs[ServerInfoResponse]}, true
	case KindJoinRequest:
		return catalogEntry{[]string{"player_name", "player_id", "master"}, decodeAs[JoinRequest]}, true
	case KindJoinResponse:
		return catalogEntry{[]string{"result_code", "msg"}, decodeAs[JoinResponse]}, true
	case KindRoomListRequest:
		return catalogEntry{nil, decodeAs[RoomListRequest]}, true
	case KindRoomListResponse:
		return catalogEntry{[]string{"rooms"}, decodeAs[RoomListResponse]}, true
	case KindJoinRoomRequest:
		return catalogEntry{[]string{"room_id"}, decodeAs[JoinRoomRequest]}, true
	case KindJoinRoomResponse:
		return catalogEntry{[]string{"result_code"}, decodeAs[JoinRoomResponse]}, true
	case KindChatMessage:
		return catalogEntry{[]string{"room_id", "text", "emote", "preanimation"}, decodeAs[ChatMessage]}, true
	case KindChatOOC:
		return catalogEntry{[]string{"player_id", "msg"}, decodeAs[ChatOOC]}, true
	case KindPlayerJoined:
		return catalogEntry{[]string{"player_id", "player_name", "char_id"}, decodeAs[PlayerJoined]}, true
	case KindPlayerLeft:
		return catalogEntry{[]string{"player_id"}, decodeAs[PlayerLeft]}, true
	case KindDisconnect:
		return catalogEntry{[]string{"cause", "player_id"}, decodeAs[Disconnect]}, true
	case KindGoodbye:
		return catalogEntry{nil, decodeAs[Goodbye]}, true
	case KindSetBackground:
		return catalogEntry{[]string{"name"}, decodeAs[SetBackground]}, true
	case KindSoundPlay:
		return catalogEntry{[]string{"name", "channel", "loop"}, decodeAs[SoundPlay]}, true
	case KindSoundStop:
		return catalogEntry{[]string{"channel"}, decodeAs[SoundStop]}, true
	case KindSoundVolume:
		return catalogEntry{[]string{"channel", "smooth"}, decodeAs[SoundVolume]}, true
	case KindAssetListRequest:
		return catalogEntry{nil, decodeAs[AssetListRequest]}, true
	case KindAssetListResponse:
		return catalogEntry{[]string{"assets"}, decodeAs[AssetListResponse]}, true
	default:
		return catalogEntry{}, false
	}
}
