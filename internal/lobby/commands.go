package lobby

import (
	"fmt"
	"strconv"
	"strings"
)

// command is a chat command. run executes under the server lock; a returned
// error is reported to the caller as "Failed: <err>".
type command struct {
	name      string
	desc      string
	adminOnly bool
	run       func(s *Server, p *Player, rest string, args []string) error
}

var commands []command

func init() {
	commands = []command{
		{"/help", "print this help", false, cmdHelp},
		{"/motd", "print server motd", false, func(s *Server, p *Player, _ string, _ []string) error {
			p.serverChatLines(s.settings.Motd)
			return nil
		}},
		{"/version", "print server version", false, func(_ *Server, p *Player, _ string, _ []string) error {
			p.serverChatLines(VersionInfo)
			return nil
		}},
		{"/players", "list players", false, cmdPlayers},
		{"/search", "search for a song", false, cmdSearch},
		{"/nom", "nominate for next song", false, cmdNominate},
		{"/vote", "vote for a nominated song", false, cmdVote},
		{"/say", "chat as the server", true, func(s *Server, _ *Player, rest string, _ []string) error {
			s.say(rest)
			return nil
		}},
		{"/kick", "kick a player", true, func(s *Server, _ *Player, rest string, _ []string) error {
			return s.kick(rest)
		}},
		{"/mute", "mute a player", true, func(s *Server, p *Player, rest string, _ []string) error {
			if err := s.mute(rest, true); err != nil {
				return err
			}
			p.serverChat("Muted " + rest)
			return nil
		}},
		{"/unmute", "unmute a player", true, func(s *Server, p *Player, rest string, _ []string) error {
			if err := s.mute(rest, false); err != nil {
				return err
			}
			p.serverChat("Unmuted " + rest)
			return nil
		}},
		{"/setsong", "set next song", true, cmdSetSong},
		{"/start", "start song", true, func(s *Server, _ *Player, _ string, _ []string) error {
			return s.manualStart()
		}},
		{"/forcestart", "force start song for people preparing", true, func(s *Server, _ *Player, _ string, _ []string) error {
			return s.forceStart()
		}},
		{"/forceend", "force end song", true, func(s *Server, _ *Player, _ string, _ []string) error {
			s.forceEnd()
			return nil
		}},
		{"/voteon", "enable voting", true, func(s *Server, _ *Player, _ string, _ []string) error {
			s.setVoting(true)
			return nil
		}},
		{"/voteoff", "disable voting", true, func(s *Server, _ *Player, _ string, _ []string) error {
			s.setVoting(false)
			return nil
		}},
		{"/loadcharts", "load new charts", true, func(s *Server, p *Player, _ string, _ []string) error {
			s.reloadAsync(p, false)
			return nil
		}},
		{"/reloadcharts", "reload charts", true, func(s *Server, p *Player, _ string, _ []string) error {
			s.reloadAsync(p, true)
			return nil
		}},
	}
}

func (s *Server) runCommand(p *Player, msg string) {
	for _, c := range commands {
		if msg != c.name && !strings.HasPrefix(msg, c.name+" ") {
			continue
		}
		if c.adminOnly && !p.admin {
			p.serverChat("You don't have permission for this!")
			return
		}
		rest := strings.TrimSpace(msg[len(c.name):])
		if err := c.run(s, p, rest, strings.Fields(rest)); err != nil {
			p.serverChat("Failed: " + err.Error())
		}
		return
	}
	p.serverChat("Unknown command, try /help")
}

func cmdHelp(_ *Server, p *Player, _ string, _ []string) error {
	p.serverChat("Supported commands: ")
	for _, c := range commands {
		if !c.adminOnly || p.admin {
			p.serverChat(fmt.Sprintf("%s - %s", c.name, c.desc))
		}
	}
	return nil
}

func cmdPlayers(s *Server, p *Player, _ string, _ []string) error {
	p.serverChat(fmt.Sprintf("%d players:", len(s.players)))
	for _, other := range s.players {
		p.serverChat(fmt.Sprintf("%d. %s (%s)", other.id, other.nick, other.state))
	}
	return nil
}

func cmdSearch(s *Server, p *Player, rest string, _ []string) error {
	lines := s.catalogue.Search(rest)
	if len(lines) == 0 {
		p.serverChat("No songs found")
		return nil
	}
	for _, l := range lines {
		p.serverChat(l)
	}
	return nil
}

func songArgs(usage string, args []string) (string, string, error) {
	switch len(args) {
	case 1:
		return args[0], "", nil
	case 2:
		return args[0], args[1], nil
	default:
		return "", "", fmt.Errorf("usage: %s", usage)
	}
}

func cmdNominate(s *Server, p *Player, _ string, args []string) error {
	return s.nominate(p, args)
}

func (s *Server) nominate(p *Player, args []string) error {
	if s.state != StateNomination || !s.voting {
		return ErrCannotNominate
	}
	song, diff, err := songArgs("/nom <song> [difficulty]", args)
	if err != nil {
		return err
	}
	e, err := s.catalogue.Find(song, diff)
	if err != nil {
		return err
	}
	if s.inPool(e) {
		return fmt.Errorf("%s: %w", e, ErrAlreadyNominated)
	}
	if len(s.pool) >= s.settings.MaxNominations {
		return ErrNominationsFull
	}
	s.pool = append(s.pool, e)
	s.say(fmt.Sprintf("%s nominated: %s", p.nick, e))
	return nil
}

func cmdVote(s *Server, p *Player, _ string, args []string) error {
	if s.state != StateVoting {
		return ErrCannotVote
	}
	if len(args) != 1 {
		return fmt.Errorf("usage: /vote <n>")
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 1 || n > len(s.pool) {
		return fmt.Errorf("%q: %w", args[0], ErrInvalidVote)
	}
	p.vote = n - 1
	p.serverChat(fmt.Sprintf("You voted for %s", s.pool[n-1]))
	return nil
}

func cmdSetSong(s *Server, _ *Player, _ string, args []string) error {
	song, diff, err := songArgs("/setsong <song> [difficulty]", args)
	if err != nil {
		return err
	}
	_, err = s.setSong(song, diff)
	return err
}

// reloadAsync runs a catalogue load off the lock and reports back to p.
func (s *Server) reloadAsync(p *Player, full bool) {
	p.serverChat("Loading charts...")
	s.clock.AfterFunc(0, func() {
		added, err := s.ReloadCharts(full)

		s.mu.Lock()
		defer s.mu.Unlock()
		if !p.seated {
			return
		}
		switch {
		case err != nil:
			p.serverChat("Failed: " + err.Error())
		case full:
			p.serverChat(fmt.Sprintf("Reloaded %d songs", added))
		default:
			p.serverChat(fmt.Sprintf("Loaded %d new songs", added))
		}
	})
}
