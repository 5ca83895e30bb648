// Package network implements the client TCP listener and the per-connection
// read, handshake and dispatch pipeline.
package network

import (
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/text/unicode/norm"

	"github.com/royale-project/royale/internal/lobby"
	"github.com/royale-project/royale/internal/protocol"
)

const (
	readBufferSize = 64 << 10
	sendQueueSize  = 256
	writeTimeout   = 30 * time.Second
	flushTimeout   = 2 * time.Second
)

// ErrProtocolViolation terminates the offending connection.
var ErrProtocolViolation = errors.New("protocol violation")

var nickPattern = regexp.MustCompile(`^[A-Za-z0-9.\-]{1,12}$`)

// Lobby is the part of the orchestrator a connection drives.
type Lobby interface {
	AddPeer(p lobby.Peer)
	NicknameTaken(nick string) bool
	Join(peer lobby.Peer, admin bool, nick string) (*lobby.Player, error)
	Ready(p *lobby.Player) error
	Score(p *lobby.Player, score int32)
	GameEnd(p *lobby.Player)
	Chat(p *lobby.Player, id uint8, message string)
}

// Auth holds the passwords checked during the handshake. An empty Password
// accepts anything; an empty AdminPassword grants admin to nobody.
type Auth struct {
	Password      string
	AdminPassword string
}

type stage int

const (
	stageToken stage = iota
	stagePassword
	stageNickname
	stageJoin
	stageJoined
)

// Connection is one client socket. The read loop owns the handshake fields;
// everything reachable from other goroutines is atomic or channel based.
type Connection struct {
	id     uint64
	conn   net.Conn
	lobby  Lobby
	auth   Auth
	logger zerolog.Logger

	closed atomic.Bool
	done   chan struct{}
	sendCh chan protocol.Message
	assets atomic.Pointer[lobby.Assets]

	connectedAt  time.Time
	lastActivity atomic.Int64

	framer protocol.Framer
	stage  stage
	admin  bool
	nick   string
	player *lobby.Player
}

// NewConnection wraps an accepted socket.
func NewConnection(id uint64, conn net.Conn, l Lobby, auth Auth) *Connection {
	now := time.Now()
	c := &Connection{
		id:          id,
		conn:        conn,
		lobby:       l,
		auth:        auth,
		done:        make(chan struct{}),
		sendCh:      make(chan protocol.Message, sendQueueSize),
		connectedAt: now,
		logger: log.With().
			Str("component", "connection").
			Uint64("conn_id", id).
			Str("remote", conn.RemoteAddr().String()).
			Logger(),
	}
	c.lastActivity.Store(now.UnixNano())
	return c
}

// ID returns the connection's process-unique id.
func (c *Connection) ID() uint64 { return c.id }

// Serve registers the connection with the heartbeat and runs the read
// loop until the socket fails or the connection is closed.
func (c *Connection) Serve() {
	c.logger.Info().Msg("connection accepted")
	c.lobby.AddPeer(c)
	go c.writeLoop()

	defer c.Close()
	buf := make([]byte, readBufferSize)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			c.lastActivity.Store(time.Now().UnixNano())
			if ferr := c.framer.Feed(buf[:n], c.dispatch); ferr != nil {
				if !errors.Is(ferr, io.EOF) {
					c.logger.Warn().Err(ferr).Msg("dropping connection")
				}
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !c.closed.Load() {
				c.logger.Debug().Err(err).Msg("read failed")
			}
			return
		}
	}
}

// Send queues m for the writer. A full queue means the client is not
// keeping up and the connection is dropped.
func (c *Connection) Send(m protocol.Message) {
	if c.closed.Load() {
		return
	}
	select {
	case c.sendCh <- m:
	case <-c.done:
	default:
		c.logger.Warn().Str("type", m.Type().String()).Msg("send queue full, dropping connection")
		c.Close()
	}
}

// Close tears the connection down. Only the first call has any effect.
// Messages already queued are flushed before the socket is closed.
func (c *Connection) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	close(c.done)
	_ = c.conn.SetReadDeadline(time.Now())
	c.logger.Info().Dur("connected_for", time.Since(c.connectedAt)).Msg("connection closed")
}

// Closed reports whether Close has run.
func (c *Connection) Closed() bool { return c.closed.Load() }

// SetAssets exposes the current song's downloads to this connection.
func (c *Connection) SetAssets(a *lobby.Assets) { c.assets.Store(a) }

// LastActivity returns the time bytes were last received.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// RemoteAddr returns the remote address of the connection.
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *Connection) writeLoop() {
	defer c.conn.Close()
	for {
		select {
		case m := <-c.sendCh:
			if !c.write(m, writeTimeout) {
				c.Close()
				return
			}
		case <-c.done:
			c.flush()
			return
		}
	}
}

// flush writes whatever is still queued after Close.
func (c *Connection) flush() {
	for {
		select {
		case m := <-c.sendCh:
			if !c.write(m, flushTimeout) {
				return
			}
		default:
			return
		}
	}
}

func (c *Connection) write(m protocol.Message, timeout time.Duration) bool {
	data, err := protocol.Encode(m)
	if err != nil {
		c.logger.Error().Err(err).Str("type", m.Type().String()).Msg("failed to encode message")
		return false
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
	if _, err := c.conn.Write(data); err != nil {
		c.logger.Debug().Err(err).Msg("write failed")
		return false
	}
	return true
}

func violation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocolViolation, fmt.Sprintf(format, args...))
}

// dispatch handles one decoded message. A returned error closes the
// connection.
func (c *Connection) dispatch(m protocol.Message) error {
	if c.closed.Load() {
		return net.ErrClosed
	}
	c.logger.Debug().Str("type", m.Type().String()).Msg("received")

	switch msg := m.(type) {
	case *protocol.KeepAlive:
		c.Send(&protocol.KeepAlive{})
		return nil
	case *protocol.Disconnect:
		return io.EOF
	case *protocol.SendClientToken:
		return c.handleToken(msg)
	case *protocol.SendPassword:
		return c.handlePassword(msg)
	case *protocol.SendNickname:
		return c.handleNickname(msg)
	case *protocol.JoinedLobby:
		return c.handleJoin()
	}

	if c.player == nil {
		return violation("%s before joining the lobby", m.Type())
	}

	switch msg := m.(type) {
	case *protocol.GameReady:
		if err := c.lobby.Ready(c.player); err != nil {
			c.logger.Debug().Err(err).Msg("ready ignored")
		}
	case *protocol.SendScore:
		c.lobby.Score(c.player, msg.Score)
	case *protocol.GameEnd:
		c.lobby.GameEnd(c.player)
	case *protocol.SendChatMessage:
		c.lobby.Chat(c.player, msg.ID, msg.Message)
	case *protocol.ReadyDownload:
		a := c.assets.Load()
		if a == nil || a.Chart == nil {
			return violation("chart requested but none is set")
		}
		c.Send(a.Chart)
	case *protocol.RequestInst:
		return c.serveAsset("inst", func(a *lobby.Assets) protocol.Message { return a.Inst })
	case *protocol.RequestVoices:
		return c.serveAsset("voices", func(a *lobby.Assets) protocol.Message { return a.Voices })
	default:
		return violation("unexpected %s from client", m.Type())
	}
	return nil
}

func (c *Connection) serveAsset(name string, pick func(*lobby.Assets) protocol.Message) error {
	var m protocol.Message
	if a := c.assets.Load(); a != nil {
		m = pick(a)
	}
	if m == nil {
		c.Send(&protocol.Deny{})
		return violation("%s requested but none is set", name)
	}
	c.Send(m)
	if _, denied := m.(*protocol.Deny); denied {
		return violation("%s requested but the song has none", name)
	}
	return nil
}

func (c *Connection) handleToken(msg *protocol.SendClientToken) error {
	if msg.Token != protocol.ClientTokenV1 {
		return violation("bad client token %d", msg.Token)
	}
	c.Send(&protocol.SendServerToken{Token: protocol.ServerTokenV101})
	if c.stage == stageToken {
		c.stage = stagePassword
	}
	return nil
}

func (c *Connection) handlePassword(msg *protocol.SendPassword) error {
	switch {
	case c.stage < stagePassword:
		return violation("password before token")
	case c.stage > stagePassword:
		// Clients resend the password; once authenticated it is ignored.
		return nil
	}

	switch {
	case c.auth.AdminPassword != "" && msg.Password == c.auth.AdminPassword:
		c.admin = true
		c.logger.Info().Msg("authenticated as admin")
	case c.auth.Password != "" && msg.Password != c.auth.Password:
		c.Send(&protocol.PasswordConfirm{Reply: protocol.PasswordIncorrect})
		c.logger.Info().Msg("wrong password")
		return io.EOF
	}
	c.stage = stageNickname
	c.Send(&protocol.PasswordConfirm{Reply: protocol.PasswordCorrect})
	return nil
}

func (c *Connection) handleNickname(msg *protocol.SendNickname) error {
	switch {
	case c.stage < stageNickname:
		return violation("nickname before password")
	case c.stage == stageJoined:
		return violation("nickname after joining")
	}

	nick := strings.TrimSpace(norm.NFC.String(msg.Nick))
	if !nickPattern.MatchString(nick) {
		c.Send(&protocol.NicknameConfirm{Reply: protocol.NicknameInvalid})
		c.logger.Info().Str("nick", nick).Msg("invalid nickname")
		return io.EOF
	}
	if c.lobby.NicknameTaken(nick) {
		c.Send(&protocol.NicknameConfirm{Reply: protocol.NicknameAlreadyInUse})
		c.logger.Info().Str("nick", nick).Msg("nickname already in use")
		return io.EOF
	}

	c.nick = nick
	c.stage = stageJoin
	c.Send(&protocol.NicknameConfirm{Reply: protocol.NicknameAccepted})
	return nil
}

func (c *Connection) handleJoin() error {
	switch {
	case c.stage == stageJoined:
		return violation("joined twice")
	case c.stage < stageJoin:
		return violation("join before authenticating")
	}

	p, err := c.lobby.Join(c, c.admin, c.nick)
	if err != nil {
		c.logger.Info().Err(err).Str("nick", c.nick).Msg("join refused")
		switch {
		case errors.Is(err, lobby.ErrNameTaken):
			c.Send(&protocol.NicknameConfirm{Reply: protocol.NicknameAlreadyInUse})
		case errors.Is(err, lobby.ErrServerFull):
			c.Send(&protocol.NicknameConfirm{Reply: protocol.NicknameGameInProgress})
		default:
			return err
		}
		return io.EOF
	}
	c.player = p
	c.stage = stageJoined
	c.logger.Info().Uint8("player_id", p.ID()).Str("nick", p.Nick()).Bool("admin", c.admin).Msg("joined lobby")
	return nil
}
