// Package lobby implements the round orchestrator: the player roster, the
// nomination and voting cycle, song preparation and the heartbeat reaper.
// Every mutation happens under a single server lock.
package lobby

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/text/unicode/norm"

	"github.com/royale-project/royale/internal/chart"
	"github.com/royale-project/royale/internal/events"
	"github.com/royale-project/royale/internal/protocol"
)

const (
	// VersionInfo is printed to every joining player.
	VersionInfo = "Royale lobby server v1.0.0\nProtocol v1.0.1"

	// MaxChatLength is the longest chat line relayed, in bytes.
	MaxChatLength = 256

	// poolTarget is the size voting tops the nomination pool up to.
	poolTarget = 5

	maxPlayers = 256
)

var (
	ErrNameTaken          = errors.New("nickname already in use")
	ErrServerFull         = errors.New("server full")
	ErrSongNotFound       = chart.ErrSongNotFound
	ErrDifficultyNotFound = chart.ErrDifficultyNotFound
	ErrAlreadyNominated   = errors.New("already nominated")
	ErrNominationsFull    = errors.New("nominations are full")
	ErrCannotNominate     = errors.New("you cannot nominate now")
	ErrCannotVote         = errors.New("you cannot vote now")
	ErrInvalidVote        = errors.New("invalid vote")
	ErrSongNotSet         = errors.New("a song was not set")
	ErrPlayersInGame      = errors.New("players are still in game")
	ErrNoSuchPlayer       = errors.New("no such player")
	ErrNotPreparing       = errors.New("no song is being prepared")
	ErrNotEnoughPlayers   = errors.New("not enough players")
)

// Peer is the server's view of a client connection. Send must not block.
type Peer interface {
	ID() uint64
	Send(m protocol.Message)
	Close()
	Closed() bool
	SetAssets(a *Assets)
}

// Assets are the download responses handed to a connection for the current song.
// Voices is a Deny when the song has no vocals and no silence clip exists.
type Assets struct {
	Chart  protocol.Message
	Inst   protocol.Message
	Voices protocol.Message
}

// CatalogueSource produces a fresh chart catalogue.
type CatalogueSource interface {
	Load() (*chart.Catalogue, chart.LoadStats, error)
}

// AssetLoader reads the audio of a selected chart.
type AssetLoader interface {
	Load(e *chart.Entry) (*chart.Track, error)
}

// Settings are the lobby rules, fixed at construction.
type Settings struct {
	Motd           string
	SafeFrames     uint8
	VotingEnabled  bool
	MinPlayers     int
	MaxNominations int

	Nominate     time.Duration
	Vote         time.Duration
	Prepare      time.Duration
	Finish       time.Duration
	Heartbeat    time.Duration
	GameEndGrace time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithClock replaces the wall clock used for round timers.
func WithClock(c Clock) Option { return func(s *Server) { s.clock = c } }

// WithRand replaces the random source used to fill the nomination pool.
func WithRand(r *rand.Rand) Option { return func(s *Server) { s.rng = r } }

// WithEvents attaches an event bus.
func WithEvents(bus *events.EventBus) Option { return func(s *Server) { s.bus = bus } }

// Server is the session orchestrator.
type Server struct {
	mu sync.Mutex

	settings Settings
	clock    Clock
	rng      *rand.Rand
	bus      *events.EventBus
	charts   CatalogueSource
	assets   AssetLoader
	logger   zerolog.Logger

	catalogue *chart.Catalogue
	peers     []Peer
	players   []*Player

	state   State
	gen     uint64
	timer   Timer
	roundID string
	voting  bool

	pool     []*chart.Entry
	override *chart.Entry
	selected *chart.Entry
	length   time.Duration
	since    time.Time
}

// New creates a server in the Dead state with an empty catalogue.
func New(settings Settings, charts CatalogueSource, assets AssetLoader, opts ...Option) *Server {
	if settings.MinPlayers < 1 {
		settings.MinPlayers = 1
	}
	if settings.MaxNominations < 1 {
		settings.MaxNominations = 1
	}
	s := &Server{
		settings:  settings,
		clock:     realClock{},
		rng:       rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15)),
		charts:    charts,
		assets:    assets,
		logger:    log.With().Str("component", "lobby").Logger(),
		catalogue: chart.NewCatalogue(),
		voting:    settings.VotingEnabled,
		state:     StateDead,
	}
	for _, o := range opts {
		o(s)
	}
	s.since = s.clock.Now()
	return s
}

// Run drives the heartbeat until ctx is cancelled.
func (s *Server) Run(ctx context.Context) {
	interval := s.settings.Heartbeat
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", interval).Msg("heartbeat started")
	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.stopTimer()
			s.mu.Unlock()
			s.logger.Info().Msg("heartbeat stopped")
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

// AddPeer registers a freshly accepted connection with the heartbeat.
func (s *Server) AddPeer(p Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers = append(s.peers, p)
}

// Tick probes every connection and prunes the dead ones together with their
// players. Survivors are told about each departure before the lock is
// released.
func (s *Server) Tick() {
	s.mu.Lock()
	defer s.mu.Unlock()

	alive := s.peers[:0]
	deadConns := 0
	for _, c := range s.peers {
		c.Send(&protocol.KeepAlive{})
		if c.Closed() {
			deadConns++
			continue
		}
		alive = append(alive, c)
	}
	for i := len(alive); i < len(s.peers); i++ {
		s.peers[i] = nil
	}
	s.peers = alive

	var gone []*Player
	seated := s.players[:0]
	for _, p := range s.players {
		if p.peer.Closed() {
			gone = append(gone, p)
			continue
		}
		seated = append(seated, p)
	}
	for i := len(seated); i < len(s.players); i++ {
		s.players[i] = nil
	}
	s.players = seated

	for _, p := range gone {
		p.seated = false
		p.stopEndTimer()
		for _, other := range s.players {
			other.notifyLobby(&protocol.PlayerLeft{ID: p.id})
		}
		s.logger.Info().Uint8("player_id", p.id).Str("nick", p.nick).Msg("player left")
		s.emit(events.EventPlayerLeft, events.PlayerPayload{
			ID: p.id, Nick: p.nick, Admin: p.admin, Players: len(s.players),
		})
	}

	if deadConns > 0 || len(gone) > 0 {
		s.logger.Info().
			Int("connections", deadConns).
			Int("players", len(gone)).
			Msg("pruned dead connections")
	}

	s.updateReady()
	if len(gone) > 0 {
		s.checkPopulation()
	}
}

// NicknameTaken reports whether a seated player already uses nick.
func (s *Server) NicknameTaken(nick string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findPlayer(nick) != nil
}

// Join seats a player on the lowest free id and introduces it to the roster.
func (s *Server) Join(peer Peer, admin bool, nick string) (*Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.findPlayer(nick) != nil {
		return nil, fmt.Errorf("%q: %w", nick, ErrNameTaken)
	}

	var used [maxPlayers]bool
	for _, p := range s.players {
		used[p.id] = true
	}
	id := -1
	for i := range used {
		if !used[i] {
			id = i
			break
		}
	}
	if id < 0 {
		return nil, ErrServerFull
	}

	p := newPlayer(uint8(id), nick, admin, peer)
	for _, other := range s.players {
		p.notifyLobby(&protocol.BroadcastNewPlayer{ID: other.id, Nickname: other.nick})
		other.notifyLobby(&protocol.BroadcastNewPlayer{ID: p.id, Nickname: p.nick})
	}
	s.players = append(s.players, p)

	p.send(&protocol.EndPrevPlayers{})
	p.serverChatLines(VersionInfo)
	if s.settings.Motd != "" {
		p.serverChatLines(s.settings.Motd)
	}
	if n := s.playersInGame(); n > 0 {
		p.serverChat(fmt.Sprintf("%d players are currently playing a song.", n))
	}

	s.logger.Info().
		Uint64("conn_id", peer.ID()).
		Uint8("player_id", p.id).
		Str("nick", nick).
		Bool("admin", admin).
		Msg("player joined")
	s.emit(events.EventPlayerJoined, events.PlayerPayload{
		ID: p.id, Nick: p.nick, Admin: p.admin, Players: len(s.players),
	})

	s.checkPopulation()
	return p, nil
}

// Ready marks a preparing player as in game.
func (s *Server) Ready(p *Player) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !p.seated || p.state != PlayerPreparing {
		return ErrNotPreparing
	}
	p.setState(PlayerInGame)
	s.updateReady()
	return nil
}

// Score relays a reported score to every other player.
func (s *Server) Score(p *Player, score int32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !p.seated {
		return
	}
	for _, other := range s.players {
		if other != p {
			other.send(&protocol.BroadcastScore{Player: p.id, Score: score})
		}
	}
	s.emit(events.EventScoreReported, events.ScorePayload{
		RoundID: s.roundID, ID: p.id, Nick: p.nick, Score: score,
	})
}

// GameEnd returns the player to the lobby after the grace period.
func (s *Server) GameEnd(p *Player) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !p.seated || p.state == PlayerLobby {
		return
	}
	p.stopEndTimer()
	var t Timer
	t = s.clock.AfterFunc(s.settings.GameEndGrace, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if !p.seated || p.endTimer != t {
			return
		}
		p.endTimer = nil
		p.setState(PlayerLobby)
	})
	p.endTimer = t
}

// Chat handles one chat line from a player: commands, moderation and relay.
func (s *Server) Chat(p *Player, id uint8, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !p.seated {
		return
	}
	msg := strings.TrimSpace(norm.NFC.String(message))
	if msg == "" {
		return
	}
	if len(msg) > MaxChatLength {
		p.send(&protocol.RejectChatMessage{ID: id})
		return
	}

	s.logger.Info().Uint8("player_id", p.id).Str("nick", p.nick).Str("message", msg).Msg("chat")

	if strings.HasPrefix(msg, "/") {
		s.runCommand(p, msg)
		return
	}
	if p.muted {
		p.send(&protocol.Muted{})
		return
	}
	for _, other := range s.players {
		if other != p {
			other.notifyLobby(&protocol.BroadcastChatMessage{Player: p.id, Message: msg})
		}
	}
}

// Say broadcasts a server chat line.
func (s *Server) Say(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.say(msg)
}

// Kick announces and drops a player by nickname.
func (s *Server) Kick(nick string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kick(nick)
}

// Mute toggles relaying of a player's chat.
func (s *Server) Mute(nick string, muted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mute(nick, muted)
}

// SetSong sets an admin override used by the next Preparing phase.
func (s *Server) SetSong(song, difficulty string) (*chart.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setSong(song, difficulty)
}

// ManualStart prepares the overridden song right away.
func (s *Server) ManualStart() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manualStart()
}

// ForceStart starts the song for ready players without waiting for the rest.
func (s *Server) ForceStart() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forceStart()
}

// ForceEnd ends the current song for everyone.
func (s *Server) ForceEnd() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forceEnd()
}

// SetVoting enables or disables nomination and voting.
func (s *Server) SetVoting(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setVoting(on)
}

// ReloadCharts rebuilds the catalogue. A full reload replaces it; otherwise
// only songs not yet known are added. Disk access happens without the lock.
func (s *Server) ReloadCharts(full bool) (int, error) {
	fresh, stats, err := s.charts.Load()
	if err != nil {
		return 0, fmt.Errorf("load charts: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	added := fresh.Songs()
	if full {
		s.catalogue = fresh
	} else {
		s.catalogue, added = s.catalogue.Merge(fresh)
	}

	s.logger.Info().
		Bool("full", full).
		Int("songs", s.catalogue.Songs()).
		Int("added", added).
		Msg("catalogue updated")
	s.emit(events.EventCatalogueLoaded, events.CatalogueLoadedPayload{
		Full:    full,
		Songs:   s.catalogue.Songs(),
		Charts:  s.catalogue.Charts(),
		Added:   added,
		Skipped: stats.Skipped,
	})
	return added, nil
}

// Search lists catalogued songs containing q.
func (s *Server) Search(q string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.catalogue.Search(q)
}

// PlayerInfo is a roster row.
type PlayerInfo struct {
	ID    uint8       `json:"id"`
	Nick  string      `json:"nick"`
	Admin bool        `json:"admin"`
	State PlayerState `json:"state"`
	Muted bool        `json:"muted"`
}

// Status is a point-in-time view of the server.
type Status struct {
	State       State        `json:"state"`
	RoundID     string       `json:"round_id"`
	Since       time.Time    `json:"since"`
	Voting      bool         `json:"voting"`
	MinPlayers  int          `json:"min_players"`
	Connections int          `json:"connections"`
	Players     []PlayerInfo `json:"players"`
	Pool        []string     `json:"pool"`
	Override    string       `json:"override,omitempty"`
	Song        string       `json:"song,omitempty"`
	Songs       int          `json:"songs"`
	Charts      int          `json:"charts"`
}

// Status returns a snapshot of the round and roster.
func (s *Server) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		State:       s.state,
		RoundID:     s.roundID,
		Since:       s.since,
		Voting:      s.voting,
		MinPlayers:  s.settings.MinPlayers,
		Connections: len(s.peers),
		Players:     make([]PlayerInfo, 0, len(s.players)),
		Pool:        make([]string, 0, len(s.pool)),
		Songs:       s.catalogue.Songs(),
		Charts:      s.catalogue.Charts(),
	}
	for _, p := range s.players {
		st.Players = append(st.Players, PlayerInfo{
			ID: p.id, Nick: p.nick, Admin: p.admin, State: p.state, Muted: p.muted,
		})
	}
	for _, e := range s.pool {
		st.Pool = append(st.Pool, e.String())
	}
	if s.override != nil {
		st.Override = s.override.String()
	}
	if s.selected != nil {
		st.Song = s.selected.String()
	}
	return st
}

func (s *Server) findPlayer(nick string) *Player {
	for _, p := range s.players {
		if p.nick == nick {
			return p
		}
	}
	return nil
}

func (s *Server) playersInGame() int {
	n := 0
	for _, p := range s.players {
		if p.state != PlayerLobby {
			n++
		}
	}
	return n
}

func (s *Server) say(msg string) {
	for _, p := range s.players {
		p.serverChat(msg)
	}
}

func (s *Server) kick(nick string) error {
	p := s.findPlayer(nick)
	if p == nil {
		return fmt.Errorf("%q: %w", nick, ErrNoSuchPlayer)
	}
	s.say("Kicked " + p.nick)
	s.logger.Info().Uint8("player_id", p.id).Str("nick", p.nick).Msg("player kicked")
	p.peer.Close()
	return nil
}

func (s *Server) mute(nick string, muted bool) error {
	p := s.findPlayer(nick)
	if p == nil {
		return fmt.Errorf("%q: %w", nick, ErrNoSuchPlayer)
	}
	p.muted = muted
	return nil
}

func (s *Server) setSong(song, difficulty string) (*chart.Entry, error) {
	e, err := s.catalogue.Find(song, difficulty)
	if err != nil {
		return nil, err
	}
	s.override = e
	s.say("Song set to: " + e.String())
	return e, nil
}

func (s *Server) manualStart() error {
	if s.override == nil {
		return ErrSongNotSet
	}
	if s.state == StateDead {
		return fmt.Errorf("%d/%d: %w", len(s.players), s.settings.MinPlayers, ErrNotEnoughPlayers)
	}
	if n := s.playersInGame(); n > 0 {
		return fmt.Errorf("%d %w", n, ErrPlayersInGame)
	}
	s.enter(StatePreparing)
	return nil
}

func (s *Server) forceStart() error {
	if s.state != StatePreparing {
		return ErrNotPreparing
	}
	s.enter(StatePlaying)
	return nil
}

func (s *Server) forceEnd() {
	if s.state == StateDead {
		for _, p := range s.players {
			if p.state != PlayerLobby {
				p.forceEnd()
			}
		}
	} else {
		s.enter(StateNomination)
	}
	s.say("Force ended song")
}

func (s *Server) setVoting(on bool) {
	if s.voting == on {
		return
	}
	s.voting = on
	if on {
		s.say("Voting enabled")
		if s.state == StateNomination && s.timer == nil {
			s.arm(s.settings.Nominate, StateVoting)
		}
		return
	}
	s.say("Voting disabled")
	if s.state == StateNomination {
		s.stopTimer()
	}
}

// updateReady advances Preparing once nobody is still downloading, and
// otherwise tells ready players how many are ready.
func (s *Server) updateReady() {
	if s.state != StatePreparing {
		return
	}
	preparing, ready := 0, 0
	for _, p := range s.players {
		switch p.state {
		case PlayerPreparing:
			preparing++
		case PlayerInGame:
			ready++
		}
	}
	if ready == 0 {
		return
	}
	if preparing == 0 {
		s.enter(StatePlaying)
		return
	}
	for _, p := range s.players {
		p.notifyReady(ready)
	}
}

// checkPopulation moves between Dead and Nomination as the roster changes.
func (s *Server) checkPopulation() {
	n := len(s.players)
	switch {
	case n < s.settings.MinPlayers && s.state != StateDead:
		s.enter(StateDead)
	case n >= s.settings.MinPlayers && s.state == StateDead:
		s.enter(StateNomination)
	}
}

func (s *Server) emit(t events.EventType, payload interface{}) {
	if s.bus == nil {
		return
	}
	s.bus.Emit(context.Background(), events.Event{Type: t, Source: "lobby", Payload: payload})
}
