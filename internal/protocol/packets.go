// Package protocol implements the binary wire format spoken between the
// royale lobby server and game clients. Every message is a one byte type
// tag followed by the fields declared for that type in the schema table.
// There is no outer length prefix: every field has a deterministic encoded
// size, so the stream is self-delimiting. All multi-byte integers and
// length prefixes use network (big-endian) byte order.
package protocol

import "fmt"

// Type is the one byte tag identifying a message. The value is the position
// of the message in the catalogue below, so the order must never change.
type Type uint8

const (
	TypeSendClientToken Type = iota
	TypeSendServerToken
	TypeSendPassword
	TypePasswordConfirm
	TypeSendNickname
	TypeNicknameConfirm

	TypeBroadcastNewPlayer
	TypeEndPrevPlayers
	TypeJoinedLobby
	TypePlayerLeft
	TypeGameStart

	TypeGameReady
	TypePlayersReady
	TypeEveryoneReady
	TypeSendScore
	TypeBroadcastScore
	TypeGameEnd
	TypeForceGameEnd

	TypeSendChatMessage
	TypeRejectChatMessage
	TypeMuted
	TypeBroadcastChatMessage
	TypeServerChatMessage

	TypeReadyDownload
	TypeSendChart
	TypeSendVoices
	TypeSendInst
	TypeRequestVoices
	TypeRequestInst
	TypeDeny

	TypeKeepAlive

	TypeDisconnect

	numTypes
)

// Handshake magic values exchanged before anything else.
const (
	ClientTokenV1   uint32 = 93724324
	ServerTokenV101 uint32 = 38371058
)

// Size limits for variable length fields.
const (
	MaxStringSize = 1<<16 - 1
	MaxBlobSize   = 64 << 20
)

// ReadyCountEveryone is the PlayersReady count that tells clients the
// round is about to start.
const ReadyCountEveryone uint8 = 255

// FieldType is the wire representation of one schema slot.
type FieldType uint8

const (
	FieldInt8 FieldType = iota
	FieldUint8
	FieldInt16
	FieldUint16
	FieldInt32
	FieldUint32
	FieldInt64
	FieldUint64
	FieldString // [len:2][utf-8 bytes]
	FieldBlob   // [len:4][raw bytes]
	FieldEnum   // [value:1]
)

var fieldTypeNames = map[FieldType]string{
	FieldInt8:   "int8",
	FieldUint8:  "uint8",
	FieldInt16:  "int16",
	FieldUint16: "uint16",
	FieldInt32:  "int32",
	FieldUint32: "uint32",
	FieldInt64:  "int64",
	FieldUint64: "uint64",
	FieldString: "string",
	FieldBlob:   "blob",
	FieldEnum:   "enum",
}

func (f FieldType) String() string {
	if s, ok := fieldTypeNames[f]; ok {
		return s
	}
	return fmt.Sprintf("field(%d)", uint8(f))
}

// Field is a named, typed slot of a message schema.
type Field struct {
	Name string
	Type FieldType
}

// Schema declares the ordered field list of one message type.
type Schema struct {
	Name   string
	Fields []Field
	new    func() Message
}

// Message is one decoded or to-be-encoded protocol message. The set of
// implementations is closed: every message type lives in this package.
type Message interface {
	Type() Type
	// slots returns pointers to the message fields in schema order.
	slots() []any
}

var schemas = [numTypes]Schema{
	TypeSendClientToken: {"SendClientToken", []Field{{"token", FieldUint32}}, func() Message { return &SendClientToken{} }},
	TypeSendServerToken: {"SendServerToken", []Field{{"token", FieldUint32}}, func() Message { return &SendServerToken{} }},
	TypeSendPassword:    {"SendPassword", []Field{{"password", FieldString}}, func() Message { return &SendPassword{} }},
	TypePasswordConfirm: {"PasswordConfirm", []Field{{"reply", FieldEnum}}, func() Message { return &PasswordConfirm{} }},
	TypeSendNickname:    {"SendNickname", []Field{{"nick", FieldString}}, func() Message { return &SendNickname{} }},
	TypeNicknameConfirm: {"NicknameConfirm", []Field{{"reply", FieldEnum}}, func() Message { return &NicknameConfirm{} }},

	TypeBroadcastNewPlayer: {"BroadcastNewPlayer", []Field{{"id", FieldUint8}, {"nickname", FieldString}}, func() Message { return &BroadcastNewPlayer{} }},
	TypeEndPrevPlayers:     {"EndPrevPlayers", nil, func() Message { return &EndPrevPlayers{} }},
	TypeJoinedLobby:        {"JoinedLobby", nil, func() Message { return &JoinedLobby{} }},
	TypePlayerLeft:         {"PlayerLeft", []Field{{"id", FieldUint8}}, func() Message { return &PlayerLeft{} }},
	TypeGameStart:          {"GameStart", []Field{{"song", FieldString}, {"folder", FieldString}}, func() Message { return &GameStart{} }},

	TypeGameReady:      {"GameReady", nil, func() Message { return &GameReady{} }},
	TypePlayersReady:   {"PlayersReady", []Field{{"count", FieldUint8}}, func() Message { return &PlayersReady{} }},
	TypeEveryoneReady:  {"EveryoneReady", []Field{{"safe_frames", FieldUint8}}, func() Message { return &EveryoneReady{} }},
	TypeSendScore:      {"SendScore", []Field{{"score", FieldInt32}}, func() Message { return &SendScore{} }},
	TypeBroadcastScore: {"BroadcastScore", []Field{{"player", FieldUint8}, {"score", FieldInt32}}, func() Message { return &BroadcastScore{} }},
	TypeGameEnd:        {"GameEnd", nil, func() Message { return &GameEnd{} }},
	TypeForceGameEnd:   {"ForceGameEnd", nil, func() Message { return &ForceGameEnd{} }},

	TypeSendChatMessage:      {"SendChatMessage", []Field{{"id", FieldUint8}, {"message", FieldString}}, func() Message { return &SendChatMessage{} }},
	TypeRejectChatMessage:    {"RejectChatMessage", []Field{{"id", FieldUint8}}, func() Message { return &RejectChatMessage{} }},
	TypeMuted:                {"Muted", nil, func() Message { return &Muted{} }},
	TypeBroadcastChatMessage: {"BroadcastChatMessage", []Field{{"player", FieldUint8}, {"message", FieldString}}, func() Message { return &BroadcastChatMessage{} }},
	TypeServerChatMessage:    {"ServerChatMessage", []Field{{"message", FieldString}}, func() Message { return &ServerChatMessage{} }},

	TypeReadyDownload: {"ReadyDownload", nil, func() Message { return &ReadyDownload{} }},
	TypeSendChart:     {"SendChart", []Field{{"file", FieldBlob}}, func() Message { return &SendChart{} }},
	TypeSendVoices:    {"SendVoices", []Field{{"file", FieldBlob}}, func() Message { return &SendVoices{} }},
	TypeSendInst:      {"SendInst", []Field{{"file", FieldBlob}}, func() Message { return &SendInst{} }},
	TypeRequestVoices: {"RequestVoices", nil, func() Message { return &RequestVoices{} }},
	TypeRequestInst:   {"RequestInst", nil, func() Message { return &RequestInst{} }},
	TypeDeny:          {"Deny", nil, func() Message { return &Deny{} }},

	TypeKeepAlive: {"KeepAlive", nil, func() Message { return &KeepAlive{} }},

	TypeDisconnect: {"Disconnect", nil, func() Message { return &Disconnect{} }},
}

// SchemaOf returns the declared schema of a message type.
func SchemaOf(t Type) (Schema, bool) {
	if t >= numTypes {
		return Schema{}, false
	}
	return schemas[t], true
}

// Types returns every catalogued message type in tag order.
func Types() []Type {
	out := make([]Type, numTypes)
	for i := range out {
		out[i] = Type(i)
	}
	return out
}

// New returns a zero message of the given type.
func New(t Type) (Message, error) {
	if t >= numTypes {
		return nil, fmt.Errorf("tag %d: %w", uint8(t), ErrUnknownMessageType)
	}
	return schemas[t].new(), nil
}

func (t Type) String() string {
	if t >= numTypes {
		return fmt.Sprintf("Unknown(%d)", uint8(t))
	}
	return schemas[t].Name
}

// PasswordReply is the answer to SendPassword.
type PasswordReply uint8

const (
	PasswordCorrect PasswordReply = iota
	PasswordGameInProgress
	PasswordIncorrect
)

// NicknameReply is the answer to SendNickname.
type NicknameReply uint8

const (
	NicknameAccepted NicknameReply = iota
	NicknameAlreadyInUse
	NicknameGameInProgress
	NicknameInvalid
)

// enum is implemented by pointers to one byte enumerations.
type enum interface {
	enumByte() uint8
	setEnumByte(v uint8)
}

func (r *PasswordReply) enumByte() uint8     { return uint8(*r) }
func (r *PasswordReply) setEnumByte(v uint8) { *r = PasswordReply(v) }
func (r *NicknameReply) enumByte() uint8     { return uint8(*r) }
func (r *NicknameReply) setEnumByte(v uint8) { *r = NicknameReply(v) }

// ---- Handshake ----

type SendClientToken struct{ Token uint32 }

func (*SendClientToken) Type() Type      { return TypeSendClientToken }
func (m *SendClientToken) slots() []any { return []any{&m.Token} }

type SendServerToken struct{ Token uint32 }

func (*SendServerToken) Type() Type      { return TypeSendServerToken }
func (m *SendServerToken) slots() []any { return []any{&m.Token} }

type SendPassword struct{ Password string }

func (*SendPassword) Type() Type      { return TypeSendPassword }
func (m *SendPassword) slots() []any { return []any{&m.Password} }

type PasswordConfirm struct{ Reply PasswordReply }

func (*PasswordConfirm) Type() Type      { return TypePasswordConfirm }
func (m *PasswordConfirm) slots() []any { return []any{&m.Reply} }

type SendNickname struct{ Nick string }

func (*SendNickname) Type() Type      { return TypeSendNickname }
func (m *SendNickname) slots() []any { return []any{&m.Nick} }

type NicknameConfirm struct{ Reply NicknameReply }

func (*NicknameConfirm) Type() Type      { return TypeNicknameConfirm }
func (m *NicknameConfirm) slots() []any { return []any{&m.Reply} }

// ---- Lobby roster ----

type BroadcastNewPlayer struct {
	ID       uint8
	Nickname string
}

func (*BroadcastNewPlayer) Type() Type      { return TypeBroadcastNewPlayer }
func (m *BroadcastNewPlayer) slots() []any { return []any{&m.ID, &m.Nickname} }

type EndPrevPlayers struct{}

func (*EndPrevPlayers) Type() Type    { return TypeEndPrevPlayers }
func (*EndPrevPlayers) slots() []any { return nil }

// JoinedLobby is sent by the client to request a seat.
type JoinedLobby struct{}

func (*JoinedLobby) Type() Type    { return TypeJoinedLobby }
func (*JoinedLobby) slots() []any { return nil }

type PlayerLeft struct{ ID uint8 }

func (*PlayerLeft) Type() Type      { return TypePlayerLeft }
func (m *PlayerLeft) slots() []any { return []any{&m.ID} }

type GameStart struct {
	Song   string
	Folder string
}

func (*GameStart) Type() Type      { return TypeGameStart }
func (m *GameStart) slots() []any { return []any{&m.Song, &m.Folder} }

// ---- Round ----

type GameReady struct{}

func (*GameReady) Type() Type    { return TypeGameReady }
func (*GameReady) slots() []any { return nil }

type PlayersReady struct{ Count uint8 }

func (*PlayersReady) Type() Type      { return TypePlayersReady }
func (m *PlayersReady) slots() []any { return []any{&m.Count} }

type EveryoneReady struct{ SafeFrames uint8 }

func (*EveryoneReady) Type() Type      { return TypeEveryoneReady }
func (m *EveryoneReady) slots() []any { return []any{&m.SafeFrames} }

type SendScore struct{ Score int32 }

func (*SendScore) Type() Type      { return TypeSendScore }
func (m *SendScore) slots() []any { return []any{&m.Score} }

type BroadcastScore struct {
	Player uint8
	Score  int32
}

func (*BroadcastScore) Type() Type      { return TypeBroadcastScore }
func (m *BroadcastScore) slots() []any { return []any{&m.Player, &m.Score} }

type GameEnd struct{}

func (*GameEnd) Type() Type    { return TypeGameEnd }
func (*GameEnd) slots() []any { return nil }

type ForceGameEnd struct{}

func (*ForceGameEnd) Type() Type    { return TypeForceGameEnd }
func (*ForceGameEnd) slots() []any { return nil }

// ---- Chat ----

type SendChatMessage struct {
	ID      uint8
	Message string
}

func (*SendChatMessage) Type() Type      { return TypeSendChatMessage }
func (m *SendChatMessage) slots() []any { return []any{&m.ID, &m.Message} }

type RejectChatMessage struct{ ID uint8 }

func (*RejectChatMessage) Type() Type      { return TypeRejectChatMessage }
func (m *RejectChatMessage) slots() []any { return []any{&m.ID} }

type Muted struct{}

func (*Muted) Type() Type    { return TypeMuted }
func (*Muted) slots() []any { return nil }

type BroadcastChatMessage struct {
	Player  uint8
	Message string
}

func (*BroadcastChatMessage) Type() Type      { return TypeBroadcastChatMessage }
func (m *BroadcastChatMessage) slots() []any { return []any{&m.Player, &m.Message} }

type ServerChatMessage struct{ Message string }

func (*ServerChatMessage) Type() Type      { return TypeServerChatMessage }
func (m *ServerChatMessage) slots() []any { return []any{&m.Message} }

// ---- Asset download ----

type ReadyDownload struct{}

func (*ReadyDownload) Type() Type    { return TypeReadyDownload }
func (*ReadyDownload) slots() []any { return nil }

type SendChart struct{ File []byte }

func (*SendChart) Type() Type      { return TypeSendChart }
func (m *SendChart) slots() []any { return []any{&m.File} }

type SendVoices struct{ File []byte }

func (*SendVoices) Type() Type      { return TypeSendVoices }
func (m *SendVoices) slots() []any { return []any{&m.File} }

type SendInst struct{ File []byte }

func (*SendInst) Type() Type      { return TypeSendInst }
func (m *SendInst) slots() []any { return []any{&m.File} }

type RequestVoices struct{}

func (*RequestVoices) Type() Type    { return TypeRequestVoices }
func (*RequestVoices) slots() []any { return nil }

type RequestInst struct{}

func (*RequestInst) Type() Type    { return TypeRequestInst }
func (*RequestInst) slots() []any { return nil }

type Deny struct{}

func (*Deny) Type() Type    { return TypeDeny }
func (*Deny) slots() []any { return nil }

// ---- Connection ----

type KeepAlive struct{}

func (*KeepAlive) Type() Type    { return TypeKeepAlive }
func (*KeepAlive) slots() []any { return nil }

type Disconnect struct{}

func (*Disconnect) Type() Type    { return TypeDisconnect }
func (*Disconnect) slots() []any { return nil }
