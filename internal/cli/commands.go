// Package cli implements the operator console for the Royale lobby server.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"

	"github.com/royale-project/royale/internal/chart"
	"github.com/royale-project/royale/internal/events"
	"github.com/royale-project/royale/internal/lobby"
)

// errQuit stops the read loop.
var errQuit = errors.New("quit")

// Lobby is the set of orchestrator operations available from the console.
type Lobby interface {
	Status() lobby.Status
	Search(q string) []string
	Say(msg string)
	Kick(nick string) error
	Mute(nick string, muted bool) error
	SetSong(song, difficulty string) (*chart.Entry, error)
	ManualStart() error
	ForceStart() error
	ForceEnd()
	SetVoting(on bool)
	ReloadCharts(full bool) (int, error)
}

// CLI reads operator commands line by line.
type CLI struct {
	lobby    Lobby
	eventBus *events.EventBus
	in       io.Reader
	out      io.Writer
	quit     func()
}

// NewCLI creates a console reading from in and writing to out. quit is
// called when the operator asks the server to stop.
func NewCLI(l Lobby, eventBus *events.EventBus, in io.Reader, out io.Writer, quit func()) *CLI {
	return &CLI{
		lobby:    l,
		eventBus: eventBus,
		in:       in,
		out:      out,
		quit:     quit,
	}
}

// Start runs the read loop until input ends, quit is typed or ctx is
// cancelled.
func (c *CLI) Start(ctx context.Context) {
	fmt.Fprintln(c.out, "\nRoyale console ready. Type 'help' for available commands.")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			log.Warn().Err(err).Msg("CLI: input closed")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if err := c.Execute(ctx, line); err != nil {
				if errors.Is(err, errQuit) {
					return
				}
				fmt.Fprintf(c.out, "Error: %v\n", err)
			}
		}
	}
}

// Execute runs a single console line.
func (c *CLI) Execute(ctx context.Context, line string) error {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]
	rest := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), parts[0]))

	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		c.printStatus()
	case "charts":
		c.printCharts(rest)
	case "say":
		if rest == "" {
			return fmt.Errorf("usage: say <message>")
		}
		c.lobby.Say(rest)
	case "setsong":
		return c.cmdSetSong(args)
	case "start":
		if err := c.lobby.ManualStart(); err != nil {
			return err
		}
		fmt.Fprintln(c.out, "Preparing song")
	case "forcestart":
		if err := c.lobby.ForceStart(); err != nil {
			return err
		}
		fmt.Fprintln(c.out, "Song started")
	case "forceend":
		c.lobby.ForceEnd()
		fmt.Fprintln(c.out, "Song ended")
	case "kick":
		return c.cmdNick(args, "kick", func(nick string) error { return c.lobby.Kick(nick) })
	case "mute":
		return c.cmdNick(args, "mute", func(nick string) error { return c.lobby.Mute(nick, true) })
	case "unmute":
		return c.cmdNick(args, "unmute", func(nick string) error { return c.lobby.Mute(nick, false) })
	case "voteon":
		c.lobby.SetVoting(true)
		fmt.Fprintln(c.out, "Voting enabled")
	case "voteoff":
		c.lobby.SetVoting(false)
		fmt.Fprintln(c.out, "Voting disabled")
	case "reload":
		return c.cmdReload(args)
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down Royale...")
		if c.eventBus != nil {
			c.eventBus.Emit(ctx, events.Event{Type: events.EventShutdown, Source: "cli"})
		}
		if c.quit != nil {
			c.quit()
		}
		return errQuit
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

func (c *CLI) printHelp() {
	fmt.Fprint(c.out, `
Royale console commands
  status                  Show round state and roster
  charts [query]          Search the catalogue
  say <message>           Broadcast a server chat line
  setsong <song> [diff]   Set the song for the next round
  start                   Prepare the set song now
  forcestart              Start without waiting for downloads
  forceend                End the current song
  kick <nick>             Drop a player
  mute <nick>             Stop relaying a player's chat
  unmute <nick>           Relay a muted player's chat again
  voteon | voteoff        Toggle nomination and voting
  reload [full]           Rescan the charts directory
  quit                    Shut the server down
  help                    Show this help message

`)
}

func (c *CLI) printStatus() {
	st := c.lobby.Status()

	fmt.Fprintf(c.out, "\n  State:       %s\n", st.State)
	fmt.Fprintf(c.out, "  Round:       %s\n", st.RoundID)
	fmt.Fprintf(c.out, "  Voting:      %v\n", st.Voting)
	fmt.Fprintf(c.out, "  Connections: %d\n", st.Connections)
	fmt.Fprintf(c.out, "  Catalogue:   %d songs, %d charts\n", st.Songs, st.Charts)
	if st.Song != "" {
		fmt.Fprintf(c.out, "  Song:        %s\n", st.Song)
	}
	if st.Override != "" {
		fmt.Fprintf(c.out, "  Set song:    %s\n", st.Override)
	}
	for i, e := range st.Pool {
		fmt.Fprintf(c.out, "  Pool %d:      %s\n", i+1, e)
	}
	fmt.Fprintln(c.out)

	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"ID", "Nick", "State", "Admin", "Muted"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	for _, p := range st.Players {
		tw.Append([]string{
			fmt.Sprintf("%d", p.ID),
			p.Nick,
			p.State.String(),
			yesNo(p.Admin),
			yesNo(p.Muted),
		})
	}
	tw.Render()
	fmt.Fprintln(c.out)
}

func (c *CLI) printCharts(q string) {
	songs := c.lobby.Search(q)
	if len(songs) == 0 {
		fmt.Fprintln(c.out, "No songs found")
		return
	}
	for _, s := range songs {
		fmt.Fprintln(c.out, "  "+s)
	}
	fmt.Fprintf(c.out, "%d songs\n", len(songs))
}

func (c *CLI) cmdSetSong(args []string) error {
	var song, diff string
	switch len(args) {
	case 1:
		song = args[0]
	case 2:
		song, diff = args[0], args[1]
	default:
		return fmt.Errorf("usage: setsong <song> [difficulty]")
	}
	e, err := c.lobby.SetSong(song, diff)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Song set to: %s\n", e)
	return nil
}

func (c *CLI) cmdNick(args []string, name string, f func(string) error) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: %s <nick>", name)
	}
	if err := f(args[0]); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s: %s\n", name, args[0])
	return nil
}

func (c *CLI) cmdReload(args []string) error {
	full := false
	switch {
	case len(args) == 0:
	case len(args) == 1 && strings.EqualFold(args[0], "full"):
		full = true
	default:
		return fmt.Errorf("usage: reload [full]")
	}
	added, err := c.lobby.ReloadCharts(full)
	if err != nil {
		return err
	}
	st := c.lobby.Status()
	fmt.Fprintf(c.out, "Loaded %d new songs (%d songs, %d charts)\n", added, st.Songs, st.Charts)
	return nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
