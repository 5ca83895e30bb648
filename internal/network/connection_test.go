package network

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/royale-project/royale/internal/chart"
	"github.com/royale-project/royale/internal/lobby"
	"github.com/royale-project/royale/internal/protocol"
)

// --- Lobby fixtures ---

type emptyCharts struct{}

func (emptyCharts) Load() (*chart.Catalogue, chart.LoadStats, error) {
	return chart.NewCatalogue(), chart.LoadStats{}, nil
}

type noAssets struct{}

func (noAssets) Load(*chart.Entry) (*chart.Track, error) {
	return nil, chart.ErrMissingInstrumental
}

func newLobby() *lobby.Server {
	return lobby.New(lobby.Settings{
		Motd:           "hi",
		SafeFrames:     10,
		MinPlayers:     1,
		MaxNominations: 5,
		Nominate:       time.Minute,
		Vote:           time.Minute,
		Prepare:        time.Minute,
		Finish:         time.Minute,
		Heartbeat:      time.Second,
		GameEndGrace:   time.Second,
	}, emptyCharts{}, noAssets{})
}

type MockLobby struct {
	mock.Mock
}

func (m *MockLobby) AddPeer(p lobby.Peer) { m.Called(p) }

func (m *MockLobby) NicknameTaken(nick string) bool { return m.Called(nick).Bool(0) }

func (m *MockLobby) Join(peer lobby.Peer, admin bool, nick string) (*lobby.Player, error) {
	args := m.Called(peer, admin, nick)
	p, _ := args.Get(0).(*lobby.Player)
	return p, args.Error(1)
}

func (m *MockLobby) Ready(p *lobby.Player) error { return m.Called(p).Error(0) }

func (m *MockLobby) Score(p *lobby.Player, score int32) { m.Called(p, score) }

func (m *MockLobby) GameEnd(p *lobby.Player) { m.Called(p) }

func (m *MockLobby) Chat(p *lobby.Player, id uint8, message string) { m.Called(p, id, message) }

// --- Client side of the pipe ---

type client struct {
	t    *testing.T
	conn net.Conn
	msgs chan protocol.Message
}

func dial(t *testing.T, l Lobby, auth Auth) (*client, *Connection) {
	t.Helper()
	srv, cli := net.Pipe()
	c := NewConnection(1, srv, l, auth)
	go c.Serve()

	cl := &client{t: t, conn: cli, msgs: make(chan protocol.Message, 64)}
	go cl.readLoop()
	t.Cleanup(func() { cli.Close() })
	return cl, c
}

func (cl *client) readLoop() {
	defer close(cl.msgs)
	var f protocol.Framer
	buf := make([]byte, 4096)
	for {
		n, err := cl.conn.Read(buf)
		if n > 0 {
			if f.Feed(buf[:n], func(m protocol.Message) error {
				cl.msgs <- m
				return nil
			}) != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (cl *client) send(msgs ...protocol.Message) {
	cl.t.Helper()
	for _, m := range msgs {
		data, err := protocol.Encode(m)
		require.NoError(cl.t, err)
		cl.write(data)
	}
}

func (cl *client) write(data []byte) {
	cl.t.Helper()
	_, err := cl.conn.Write(data)
	require.NoError(cl.t, err)
}

func (cl *client) next() protocol.Message {
	cl.t.Helper()
	select {
	case m, ok := <-cl.msgs:
		if !ok {
			cl.t.Fatal("connection closed")
		}
		return m
	case <-time.After(2 * time.Second):
		cl.t.Fatal("timed out waiting for a message")
	}
	return nil
}

// waitFor skips messages until one satisfies match.
func (cl *client) waitFor(match func(protocol.Message) bool) protocol.Message {
	cl.t.Helper()
	for {
		if m := cl.next(); match(m) {
			return m
		}
	}
}

func (cl *client) expectClosed() {
	cl.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-cl.msgs:
			if !ok {
				return
			}
		case <-deadline:
			cl.t.Fatal("connection still open")
		}
	}
}

func (cl *client) handshake(password, nick string) {
	cl.t.Helper()
	cl.send(&protocol.SendClientToken{Token: protocol.ClientTokenV1})
	require.Equal(cl.t, &protocol.SendServerToken{Token: protocol.ServerTokenV101}, cl.next())
	cl.send(&protocol.SendPassword{Password: password})
	require.Equal(cl.t, &protocol.PasswordConfirm{Reply: protocol.PasswordCorrect}, cl.next())
	cl.send(&protocol.SendNickname{Nick: nick})
	require.Equal(cl.t, &protocol.NicknameConfirm{Reply: protocol.NicknameAccepted}, cl.next())
	cl.send(&protocol.JoinedLobby{})
}

func serverChat(text string) func(protocol.Message) bool {
	return func(m protocol.Message) bool {
		sc, ok := m.(*protocol.ServerChatMessage)
		return ok && sc.Message == text
	}
}

// --- Tests ---

func TestJoinBeforePasswordTerminates(t *testing.T) {
	s := newLobby()
	cl, c := dial(t, s, Auth{})

	cl.send(&protocol.SendClientToken{Token: protocol.ClientTokenV1})
	assert.Equal(t, &protocol.SendServerToken{Token: protocol.ServerTokenV101}, cl.next())
	cl.send(&protocol.JoinedLobby{})

	cl.expectClosed()
	assert.True(t, c.Closed())
	assert.Empty(t, s.Status().Players)
}

func TestJoinBeforePasswordNeverCallsJoin(t *testing.T) {
	l := &MockLobby{}
	l.On("AddPeer", mock.Anything).Return()
	cl, _ := dial(t, l, Auth{})

	cl.send(&protocol.SendClientToken{Token: protocol.ClientTokenV1})
	cl.next()
	cl.send(&protocol.JoinedLobby{})
	cl.expectClosed()

	l.AssertNotCalled(t, "Join", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandshakeGating(t *testing.T) {
	tests := []struct {
		name  string
		first protocol.Message
	}{
		{"password before token", &protocol.SendPassword{Password: "x"}},
		{"nickname before token", &protocol.SendNickname{Nick: "alice"}},
		{"join before token", &protocol.JoinedLobby{}},
		{"chat before join", &protocol.SendChatMessage{ID: 1, Message: "hi"}},
		{"ready before join", &protocol.GameReady{}},
		{"download before join", &protocol.ReadyDownload{}},
		{"server-only message", &protocol.EveryoneReady{SafeFrames: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newLobby()
			cl, _ := dial(t, s, Auth{})
			cl.send(tt.first)
			cl.expectClosed()
			assert.Empty(t, s.Status().Players)
		})
	}
}

func TestBadTokenDisconnects(t *testing.T) {
	cl, _ := dial(t, newLobby(), Auth{})
	cl.send(&protocol.SendClientToken{Token: 1})
	cl.expectClosed()
}

func TestUnknownTagDisconnects(t *testing.T) {
	cl, _ := dial(t, newLobby(), Auth{})
	cl.write([]byte{200, 1, 2, 3})
	cl.expectClosed()
}

func TestKeepAliveIsEchoed(t *testing.T) {
	cl, _ := dial(t, newLobby(), Auth{})
	cl.send(&protocol.KeepAlive{})
	assert.Equal(t, &protocol.KeepAlive{}, cl.next())
}

func TestFragmentedHandshake(t *testing.T) {
	cl, _ := dial(t, newLobby(), Auth{})
	data, err := protocol.Encode(&protocol.SendClientToken{Token: protocol.ClientTokenV1})
	require.NoError(t, err)
	for _, b := range data {
		cl.write([]byte{b})
	}
	assert.Equal(t, &protocol.SendServerToken{Token: protocol.ServerTokenV101}, cl.next())
}

func TestHandshakeAndJoin(t *testing.T) {
	s := newLobby()
	cl, _ := dial(t, s, Auth{})
	cl.handshake("anything", " alice ")

	assert.Equal(t, &protocol.EndPrevPlayers{}, cl.next())
	cl.waitFor(serverChat("hi"))

	st := s.Status()
	require.Len(t, st.Players, 1)
	assert.Equal(t, "alice", st.Players[0].Nick)
	assert.False(t, st.Players[0].Admin)
}

func TestAdminPassword(t *testing.T) {
	s := newLobby()
	cl, _ := dial(t, s, Auth{Password: "pw", AdminPassword: "root"})
	cl.handshake("root", "boss")
	cl.waitFor(serverChat("hi"))

	st := s.Status()
	require.Len(t, st.Players, 1)
	assert.True(t, st.Players[0].Admin)
}

func TestWrongPassword(t *testing.T) {
	cl, _ := dial(t, newLobby(), Auth{Password: "pw"})
	cl.send(&protocol.SendClientToken{Token: protocol.ClientTokenV1})
	cl.next()
	cl.send(&protocol.SendPassword{Password: "nope"})
	assert.Equal(t, &protocol.PasswordConfirm{Reply: protocol.PasswordIncorrect}, cl.next())
	cl.expectClosed()
}

func TestPasswordResendIsIgnored(t *testing.T) {
	cl, _ := dial(t, newLobby(), Auth{Password: "pw"})
	cl.send(&protocol.SendClientToken{Token: protocol.ClientTokenV1})
	cl.next()
	cl.send(&protocol.SendPassword{Password: "pw"})
	require.Equal(t, &protocol.PasswordConfirm{Reply: protocol.PasswordCorrect}, cl.next())

	cl.send(&protocol.SendPassword{Password: "wrong now"}, &protocol.SendNickname{Nick: "alice"})
	assert.Equal(t, &protocol.NicknameConfirm{Reply: protocol.NicknameAccepted}, cl.next())
}

func TestInvalidNickname(t *testing.T) {
	for _, nick := range []string{"", "bad nick", "waytoolongnickname", "émile"} {
		t.Run(nick, func(t *testing.T) {
			cl, _ := dial(t, newLobby(), Auth{})
			cl.send(&protocol.SendClientToken{Token: protocol.ClientTokenV1})
			cl.next()
			cl.send(&protocol.SendPassword{})
			cl.next()
			cl.send(&protocol.SendNickname{Nick: nick})
			assert.Equal(t, &protocol.NicknameConfirm{Reply: protocol.NicknameInvalid}, cl.next())
			cl.expectClosed()
		})
	}
}

func TestNicknameInUse(t *testing.T) {
	l := &MockLobby{}
	l.On("AddPeer", mock.Anything).Return()
	l.On("NicknameTaken", "alice").Return(true)
	cl, _ := dial(t, l, Auth{})

	cl.send(&protocol.SendClientToken{Token: protocol.ClientTokenV1})
	cl.next()
	cl.send(&protocol.SendPassword{})
	cl.next()
	cl.send(&protocol.SendNickname{Nick: "alice"})
	assert.Equal(t, &protocol.NicknameConfirm{Reply: protocol.NicknameAlreadyInUse}, cl.next())
	cl.expectClosed()
	l.AssertNotCalled(t, "Join", mock.Anything, mock.Anything, mock.Anything)
}

func TestJoinRefusalIsAnswered(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		reply protocol.NicknameReply
	}{
		{"nickname taken meanwhile", lobby.ErrNameTaken, protocol.NicknameAlreadyInUse},
		{"server full", lobby.ErrServerFull, protocol.NicknameGameInProgress},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := &MockLobby{}
			l.On("AddPeer", mock.Anything).Return()
			l.On("NicknameTaken", "alice").Return(false)
			l.On("Join", mock.Anything, false, "alice").Return(nil, tt.err)
			cl, c := dial(t, l, Auth{})

			cl.handshake("", "alice")

			assert.Equal(t, &protocol.NicknameConfirm{Reply: tt.reply}, cl.next())
			cl.expectClosed()
			assert.True(t, c.Closed())
		})
	}
}

func TestAssetDownloads(t *testing.T) {
	cl, c := dial(t, newLobby(), Auth{})
	cl.handshake("", "alice")
	cl.waitFor(serverChat("hi"))

	c.SetAssets(&lobby.Assets{
		Chart:  &protocol.SendChart{File: []byte(`{"song":{}}`)},
		Inst:   &protocol.SendInst{File: []byte("inst")},
		Voices: &protocol.Deny{},
	})

	cl.send(&protocol.ReadyDownload{})
	assert.Equal(t, &protocol.SendChart{File: []byte(`{"song":{}}`)}, cl.waitFor(func(m protocol.Message) bool {
		_, ok := m.(*protocol.SendChart)
		return ok
	}))
	cl.send(&protocol.RequestInst{})
	assert.Equal(t, &protocol.SendInst{File: []byte("inst")}, cl.next())

	cl.send(&protocol.RequestVoices{})
	assert.Equal(t, &protocol.Deny{}, cl.next())
	cl.expectClosed()
}

func TestAssetRequestWithoutSong(t *testing.T) {
	cl, _ := dial(t, newLobby(), Auth{})
	cl.handshake("", "alice")
	cl.waitFor(serverChat("hi"))

	cl.send(&protocol.RequestInst{})
	cl.waitFor(func(m protocol.Message) bool {
		_, ok := m.(*protocol.Deny)
		return ok
	})
	cl.expectClosed()
}

func TestChatReachesOtherPlayers(t *testing.T) {
	s := newLobby()
	alice, _ := dial(t, s, Auth{})
	alice.handshake("", "alice")
	alice.waitFor(serverChat("hi"))

	bob, _ := dial(t, s, Auth{})
	bob.handshake("", "bob")
	bob.waitFor(serverChat("hi"))

	alice.send(&protocol.SendChatMessage{ID: 1, Message: "hello bob"})
	got := bob.waitFor(func(m protocol.Message) bool {
		_, ok := m.(*protocol.BroadcastChatMessage)
		return ok
	})
	assert.Equal(t, &protocol.BroadcastChatMessage{Player: 0, Message: "hello bob"}, got)
}

func TestKickFlushesQueuedMessages(t *testing.T) {
	s := newLobby()
	cl, c := dial(t, s, Auth{})
	cl.handshake("", "alice")
	cl.waitFor(serverChat("hi"))

	require.NoError(t, s.Kick("alice"))
	cl.waitFor(serverChat("Kicked alice"))
	cl.expectClosed()
	assert.True(t, c.Closed())

	s.Tick()
	assert.Empty(t, s.Status().Players)
}

func TestCloseIsIdempotent(t *testing.T) {
	cl, c := dial(t, newLobby(), Auth{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Close()
		}()
	}
	wg.Wait()

	assert.True(t, c.Closed())
	cl.expectClosed()
	c.Send(&protocol.KeepAlive{})
}

func TestTCPListener(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := NewTCPListener("127.0.0.1:0", newLobby(), Auth{})
	done := make(chan error, 1)
	go func() { done <- l.Start(ctx) }()

	select {
	case <-l.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not bind")
	}

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	cl := &client{t: t, conn: conn, msgs: make(chan protocol.Message, 8)}
	go cl.readLoop()
	cl.send(&protocol.SendClientToken{Token: protocol.ClientTokenV1})
	assert.Equal(t, &protocol.SendServerToken{Token: protocol.ServerTokenV101}, cl.next())
	assert.Equal(t, 1, l.Registry().Count())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop")
	}
	assert.Eventually(t, func() bool { return l.Registry().Count() == 0 }, 2*time.Second, 10*time.Millisecond,
		"connections are closed with the listener")
}
