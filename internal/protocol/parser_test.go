package protocol

import (
	"math"
	"math/rand/v2"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sample returns a message of every catalogued type with non-zero fields.
func sample() []Message {
	return []Message{
		&SendClientToken{Token: ClientTokenV1},
		&SendServerToken{Token: ServerTokenV101},
		&SendPassword{Password: "hunter2"},
		&PasswordConfirm{Reply: PasswordIncorrect},
		&SendNickname{Nick: "bf-01"},
		&NicknameConfirm{Reply: NicknameInvalid},
		&BroadcastNewPlayer{ID: 7, Nickname: "gf"},
		&EndPrevPlayers{},
		&JoinedLobby{},
		&PlayerLeft{ID: 255},
		&GameStart{Song: "bopeebo-hard", Folder: "Bopeebo"},
		&GameReady{},
		&PlayersReady{Count: 3},
		&EveryoneReady{SafeFrames: 10},
		&SendScore{Score: -12345},
		&BroadcastScore{Player: 2, Score: math.MaxInt32},
		&GameEnd{},
		&ForceGameEnd{},
		&SendChatMessage{ID: 9, Message: "héllo ♪"},
		&RejectChatMessage{ID: 9},
		&Muted{},
		&BroadcastChatMessage{Player: 1, Message: "gg"},
		&ServerChatMessage{Message: "Nominate songs with /nom"},
		&ReadyDownload{},
		&SendChart{File: []byte(`{"song":{}}`)},
		&SendVoices{File: []byte{0, 1, 2, 3}},
		&SendInst{File: []byte{0xff}},
		&RequestVoices{},
		&RequestInst{},
		&Deny{},
		&KeepAlive{},
		&Disconnect{},
	}
}

func TestSchemaTableMatchesMessages(t *testing.T) {
	for _, typ := range Types() {
		s, ok := SchemaOf(typ)
		require.True(t, ok, typ)

		m, err := New(typ)
		require.NoError(t, err)
		assert.Equal(t, typ, m.Type(), s.Name)
		assert.Len(t, m.slots(), len(s.Fields), s.Name)

		// Zero values must encode; this catches slot/schema type drift.
		_, err = Encode(m)
		assert.NoError(t, err, s.Name)
	}
}

func TestSampleCoversCatalogue(t *testing.T) {
	seen := map[Type]bool{}
	for _, m := range sample() {
		seen[m.Type()] = true
	}
	assert.Len(t, seen, int(numTypes))
}

func TestRoundTrip(t *testing.T) {
	for _, m := range sample() {
		data, err := Encode(m)
		require.NoError(t, err, m.Type())
		assert.Equal(t, byte(m.Type()), data[0])

		got, n, err := Decode(data)
		require.NoError(t, err, m.Type())
		assert.Equal(t, len(data), n, m.Type())
		assert.Equal(t, m, got, m.Type())
	}
}

func TestRoundTripBoundaryValues(t *testing.T) {
	cases := []Message{
		&SendPassword{Password: ""},
		&SendChart{File: []byte{}},
		&SendClientToken{Token: 0},
		&SendClientToken{Token: math.MaxUint32},
		&SendScore{Score: math.MinInt32},
		&SendScore{Score: math.MaxInt32},
		&BroadcastNewPlayer{ID: 0, Nickname: ""},
		&ServerChatMessage{Message: string(make([]byte, MaxStringSize))},
	}
	for _, m := range cases {
		data, err := Encode(m)
		require.NoError(t, err)

		got, _, err := Decode(data)
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
}

func TestEncodeIsBigEndian(t *testing.T) {
	data, err := Encode(&SendClientToken{Token: 0x01020304})
	require.NoError(t, err)
	assert.Equal(t, []byte{byte(TypeSendClientToken), 1, 2, 3, 4}, data)

	data, err = Encode(&SendPassword{Password: "ab"})
	require.NoError(t, err)
	assert.Equal(t, []byte{byte(TypeSendPassword), 0, 2, 'a', 'b'}, data)

	data, err = Encode(&SendInst{File: []byte{9}})
	require.NoError(t, err)
	assert.Equal(t, []byte{byte(TypeSendInst), 0, 0, 0, 1, 9}, data)
}

func TestEncodeRejectsOversizedString(t *testing.T) {
	_, err := Encode(&ServerChatMessage{Message: string(make([]byte, MaxStringSize+1))})
	assert.ErrorIs(t, err, ErrFieldTooLarge)
}

func TestDecodeUnknownType(t *testing.T) {
	_, _, err := Decode([]byte{byte(numTypes), 0, 0})
	assert.ErrorIs(t, err, ErrUnknownMessageType)

	_, _, err = Decode([]byte{0xff})
	assert.ErrorIs(t, err, ErrUnknownMessageType)
}

func TestDecodeIncomplete(t *testing.T) {
	full, err := Encode(&GameStart{Song: "south", Folder: "South"})
	require.NoError(t, err)

	for i := 0; i < len(full); i++ {
		m, n, err := Decode(full[:i])
		assert.ErrorIs(t, err, ErrIncomplete, "prefix %d", i)
		assert.Nil(t, m)
		assert.Zero(t, n)
	}
}

func TestDecodeRejectsOversizedBlob(t *testing.T) {
	data := []byte{byte(TypeSendChart), 0x7f, 0xff, 0xff, 0xff}
	_, _, err := Decode(data)
	assert.ErrorIs(t, err, ErrFieldTooLarge)
}

func TestDecodeLeavesTrailingBytes(t *testing.T) {
	a, _ := Encode(&PlayerLeft{ID: 4})
	b, _ := Encode(&KeepAlive{})
	stream := append(append([]byte{}, a...), b...)

	m, n, err := Decode(stream)
	require.NoError(t, err)
	assert.Equal(t, &PlayerLeft{ID: 4}, m)
	assert.Equal(t, len(a), n)
}

func collect(t *testing.T, chunks [][]byte) []Message {
	t.Helper()
	var f Framer
	var out []Message
	for _, c := range chunks {
		require.NoError(t, f.Feed(c, func(m Message) error {
			out = append(out, m)
			return nil
		}))
	}
	assert.Zero(t, f.Buffered())
	return out
}

func TestFramerFragmentationIsIdempotent(t *testing.T) {
	var stream []byte
	for _, m := range sample() {
		data, err := Encode(m)
		require.NoError(t, err)
		stream = append(stream, data...)
	}

	whole := collect(t, [][]byte{stream})
	require.Len(t, whole, len(sample()))

	bytewise := make([][]byte, len(stream))
	for i := range stream {
		bytewise[i] = stream[i : i+1]
	}
	assert.Equal(t, whole, collect(t, bytewise))

	rng := rand.New(rand.NewPCG(1, 2))
	for round := 0; round < 50; round++ {
		var chunks [][]byte
		for rest := stream; len(rest) > 0; {
			n := 1 + rng.IntN(len(rest))
			if n > 17 {
				n = 1 + n%17
			}
			chunks = append(chunks, rest[:n])
			rest = rest[n:]
		}
		got := collect(t, chunks)
		assert.True(t, reflect.DeepEqual(whole, got), "round %d", round)
	}
}

func TestFramerRetainsTail(t *testing.T) {
	data, _ := Encode(&SendNickname{Nick: "pico"})

	var f Framer
	var got []Message
	handle := func(m Message) error { got = append(got, m); return nil }

	require.NoError(t, f.Feed(data[:3], handle))
	assert.Empty(t, got)
	assert.Equal(t, 3, f.Buffered())

	require.NoError(t, f.Feed(data[3:], handle))
	assert.Equal(t, []Message{&SendNickname{Nick: "pico"}}, got)
	assert.Zero(t, f.Buffered())
}

func TestFramerStopsOnUnknownType(t *testing.T) {
	good, _ := Encode(&KeepAlive{})
	var f Framer
	count := 0
	err := f.Feed(append(good, 0xee), func(Message) error { count++; return nil })
	assert.ErrorIs(t, err, ErrUnknownMessageType)
	assert.Equal(t, 1, count)
}

func TestFramerStopsOnHandlerError(t *testing.T) {
	a, _ := Encode(&KeepAlive{})
	var f Framer
	count := 0
	err := f.Feed(append(append([]byte{}, a...), a...), func(Message) error {
		count++
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 1, count)
}

func TestTypeString(t *testing.T) {
	assert.Equal(t, "SendClientToken", TypeSendClientToken.String())
	assert.Equal(t, "Disconnect", TypeDisconnect.String())
	assert.Equal(t, "Unknown(200)", Type(200).String())
}
