package lobby

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/royale-project/royale/internal/chart"
	"github.com/royale-project/royale/internal/events"
	"github.com/royale-project/royale/internal/protocol"
)

// State is the server-wide round state.
type State int

const (
	StateDead State = iota
	StateNomination
	StateVoting
	StatePreparing
	StatePlaying
)

var stateStrings = map[State]string{
	StateDead:       "dead",
	StateNomination: "nomination",
	StateVoting:     "voting",
	StatePreparing:  "preparing",
	StatePlaying:    "playing",
}

// String returns the string representation of State.
func (s State) String() string {
	if str, ok := stateStrings[s]; ok {
		return str
	}
	return "unknown"
}

// MarshalJSON serializes State as a JSON string (e.g. "voting").
func (s State) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// enter switches the round state and runs its entry actions. Any pending
// round timer is cancelled; callbacks armed before the switch see a stale
// generation and do nothing. Below the minimum population every target
// becomes Dead.
func (s *Server) enter(next State) {
	if next != StateDead && len(s.players) < s.settings.MinPlayers {
		next = StateDead
	}

	prev := s.state
	s.state = next
	s.gen++
	s.stopTimer()
	s.since = s.clock.Now()

	s.logger.Info().
		Str("from", prev.String()).
		Str("to", next.String()).
		Int("players", len(s.players)).
		Msg("round state changed")

	if next == StateNomination {
		s.roundID = uuid.NewString()
	}

	payload := events.RoundStatePayload{
		RoundID: s.roundID,
		State:   next.String(),
		Prev:    prev.String(),
		Players: len(s.players),
		At:      s.since,
	}
	if s.selected != nil {
		payload.Song = s.selected.String()
	}
	s.emit(events.EventRoundStateChanged, payload)

	switch next {
	case StateDead:
		s.enterDead()
	case StateNomination:
		s.enterNomination()
	case StateVoting:
		s.enterVoting()
	case StatePreparing:
		s.enterPreparing()
	case StatePlaying:
		s.enterPlaying()
	}
}

// arm schedules a transition to next unless the state changes first.
func (s *Server) arm(d time.Duration, next State) {
	s.stopTimer()
	gen := s.gen
	s.timer = s.clock.AfterFunc(d, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.gen != gen {
			return
		}
		s.timer = nil
		s.enter(next)
	})
}

func (s *Server) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Server) enterDead() {
	s.pool = nil
	s.say(fmt.Sprintf("Waiting for players (%d/%d)", len(s.players), s.settings.MinPlayers))
}

func (s *Server) enterNomination() {
	s.pool = nil
	s.selected = nil
	for _, p := range s.players {
		p.vote = -1
		if p.state != PlayerLobby {
			p.forceEnd()
		}
	}

	if !s.voting {
		s.say("Voting is disabled, waiting for an admin to pick a song")
		return
	}
	s.say(fmt.Sprintf("Nominate songs with /nom <song> [difficulty], voting starts in %s", seconds(s.settings.Nominate)))
	s.arm(s.settings.Nominate, StateVoting)
}

func (s *Server) enterVoting() {
	s.selected = nil
	for _, p := range s.players {
		p.vote = -1
		if p.state != PlayerLobby {
			s.logger.Info().Uint8("player_id", p.id).Str("nick", p.nick).Msg("dropping player still in round")
			p.peer.Close()
		}
	}

	s.fillPool()

	if len(s.pool) == 0 {
		s.say("No songs available to vote for")
	} else {
		s.say(fmt.Sprintf("Vote with /vote <n>, voting ends in %s:", seconds(s.settings.Vote)))
		for i, e := range s.pool {
			s.say(fmt.Sprintf("%d. %s", i+1, e))
		}
	}
	s.arm(s.settings.Vote, StatePreparing)
}

// fillPool tops the pool up with random catalogue charts.
func (s *Server) fillPool() {
	target := min(poolTarget, s.settings.MaxNominations)
	if len(s.pool) >= target {
		return
	}
	candidates := s.catalogue.All()
	s.rng.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	for _, e := range candidates {
		if len(s.pool) >= target {
			break
		}
		if !s.inPool(e) {
			s.pool = append(s.pool, e)
		}
	}
}

func (s *Server) inPool(e *chart.Entry) bool {
	for _, have := range s.pool {
		if have == e || (have.Song == e.Song && have.Difficulty == e.Difficulty) {
			return true
		}
	}
	return false
}

// tally returns the pool index with the most votes, the lowest index winning
// ties. Out-of-range votes are ignored.
func tally(votes []int, size int) (int, bool) {
	if size <= 0 {
		return 0, false
	}
	counts := make([]int, size)
	for _, v := range votes {
		if v >= 0 && v < size {
			counts[v]++
		}
	}
	best := 0
	for i := 1; i < size; i++ {
		if counts[i] > counts[best] {
			best = i
		}
	}
	return best, true
}

func (s *Server) enterPreparing() {
	entry, override := s.override, true
	s.override = nil
	if entry == nil {
		override = false
		votes := make([]int, 0, len(s.players))
		for _, p := range s.players {
			votes = append(votes, p.vote)
		}
		idx, ok := tally(votes, len(s.pool))
		if !ok {
			s.say("Nothing to play, back to nomination")
			s.enter(StateNomination)
			return
		}
		entry = s.pool[idx]
	}

	s.selected = entry
	s.say("Selected song: " + entry.String())
	s.logger.Info().
		Str("song", entry.Song).
		Str("difficulty", entry.NiceDifficulty()).
		Bool("override", override).
		Msg("song selected")

	gen := s.gen
	s.clock.AfterFunc(0, func() { s.loadSelection(gen, entry, override) })
}

// loadSelection reads the selected song's audio and hands it to every lobby
// player. It runs off the lock and applies only if the round is unchanged.
func (s *Server) loadSelection(gen uint64, e *chart.Entry, override bool) {
	track, err := s.assets.Load(e)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}

	if err != nil {
		s.logger.Warn().Err(err).Str("song", e.Song).Msg("failed to load song assets")
		s.say(fmt.Sprintf("Failed to load %s, back to nomination", e))
		s.enter(StateNomination)
		return
	}

	a := &Assets{
		Chart: &protocol.SendChart{File: e.Data},
		Inst:  &protocol.SendInst{File: track.Inst},
	}
	if track.Voices != nil {
		a.Voices = &protocol.SendVoices{File: track.Voices}
	} else {
		a.Voices = &protocol.Deny{}
	}
	s.length = track.Duration

	started := 0
	for _, p := range s.players {
		if p.state != PlayerLobby {
			continue
		}
		p.startSong(a, e.Stem, e.Folder)
		started++
	}

	s.emit(events.EventChartSelected, events.ChartSelectedPayload{
		RoundID:    s.roundID,
		Song:       e.Song,
		Difficulty: e.NiceDifficulty(),
		Override:   override,
		DurationMS: track.Duration.Milliseconds(),
	})
	s.logger.Info().Int("players", started).Dur("length", track.Duration).Msg("song sent to players")

	s.arm(s.settings.Prepare, StatePlaying)
}

func (s *Server) enterPlaying() {
	started := 0
	for _, p := range s.players {
		switch p.state {
		case PlayerInGame:
			p.notifyStart(s.settings.SafeFrames)
			started++
		case PlayerPreparing:
			p.forceEnd()
		}
	}
	if started > 0 && s.selected != nil {
		s.logger.Info().Int("players", started).Str("song", s.selected.String()).Msg("song started")
	}
	s.arm(s.length+s.settings.Finish, StateNomination)
}

func seconds(d time.Duration) string {
	return fmt.Sprintf("%d seconds", int(d.Round(time.Second).Seconds()))
}
