package lobby

import (
	"strings"

	"github.com/royale-project/royale/internal/protocol"
)

// PlayerState is the per-player position in a round.
type PlayerState int

const (
	PlayerLobby PlayerState = iota
	PlayerPreparing
	PlayerInGame
)

var playerStateStrings = map[PlayerState]string{
	PlayerLobby:     "lobby",
	PlayerPreparing: "preparing",
	PlayerInGame:    "in_game",
}

// String returns the string representation of PlayerState.
func (s PlayerState) String() string {
	if str, ok := playerStateStrings[s]; ok {
		return str
	}
	return "unknown"
}

// MarshalJSON serializes PlayerState as a JSON string (e.g. "lobby").
func (s PlayerState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Player is a seated client. All fields are guarded by the server lock.
type Player struct {
	id    uint8
	nick  string
	admin bool
	peer  Peer

	state     PlayerState
	vote      int
	muted     bool
	sentStart bool
	seated    bool

	// deferred holds broadcast messages withheld while not in the lobby.
	deferred []protocol.Message

	endTimer Timer
}

func newPlayer(id uint8, nick string, admin bool, peer Peer) *Player {
	return &Player{
		id:     id,
		nick:   nick,
		admin:  admin,
		peer:   peer,
		vote:   -1,
		seated: true,
	}
}

// ID returns the player's slot id.
func (p *Player) ID() uint8 { return p.id }

// Nick returns the player's nickname.
func (p *Player) Nick() string { return p.nick }

// Admin reports whether the player authenticated with the admin password.
func (p *Player) Admin() bool { return p.admin }

func (p *Player) send(m protocol.Message) {
	p.peer.Send(m)
}

// notifyLobby delivers a broadcast-type message, deferring it while the
// player is out of the lobby.
func (p *Player) notifyLobby(m protocol.Message) {
	if p.state != PlayerLobby {
		p.deferred = append(p.deferred, m)
		return
	}
	p.send(m)
}

func (p *Player) serverChat(msg string) {
	p.notifyLobby(&protocol.ServerChatMessage{Message: msg})
}

func (p *Player) serverChatLines(text string) {
	for _, line := range strings.Split(text, "\n") {
		p.serverChat(line)
	}
}

// setState moves the player and flushes the deferral queue on return to
// the lobby.
func (p *Player) setState(s PlayerState) {
	p.state = s
	if s != PlayerLobby {
		return
	}
	p.sentStart = false
	pending := p.deferred
	p.deferred = nil
	for _, m := range pending {
		p.send(m)
	}
}

func (p *Player) startSong(a *Assets, song, folder string) {
	p.peer.SetAssets(a)
	p.send(&protocol.GameStart{Song: song, Folder: folder})
	p.setState(PlayerPreparing)
}

// notifyStart tells an in-game player that everyone is ready.
func (p *Player) notifyStart(safeFrames uint8) {
	if p.state != PlayerInGame || p.sentStart {
		return
	}
	p.send(&protocol.PlayersReady{Count: protocol.ReadyCountEveryone})
	p.send(&protocol.EveryoneReady{SafeFrames: safeFrames})
	p.sentStart = true
}

func (p *Player) notifyReady(ready int) {
	if p.state != PlayerInGame {
		return
	}
	p.send(&protocol.PlayersReady{Count: uint8(min(ready, 254))})
}

func (p *Player) forceEnd() {
	p.stopEndTimer()
	p.send(&protocol.ForceGameEnd{})
	p.setState(PlayerLobby)
}

func (p *Player) stopEndTimer() {
	if p.endTimer != nil {
		p.endTimer.Stop()
		p.endTimer = nil
	}
}
