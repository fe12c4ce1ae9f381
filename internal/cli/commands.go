// Package cli implements the interactive operator console: live session
// tables, session history, remote pings, kicks and broadcasts.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/energizer-project/bedrock/internal/client"
	"github.com/energizer-project/bedrock/internal/config"
	"github.com/energizer-project/bedrock/internal/db"
	"github.com/energizer-project/bedrock/internal/events"
	"github.com/energizer-project/bedrock/internal/server"
)

const prompt = "bedrock> "

// Target is the listening side the console manages.
type Target interface {
	Status() server.Status
	Clients() []*server.Player
	Client(key string) (*server.Player, bool)
	Kick(key, reason string) bool
	BroadcastMessage(ctx context.Context, message string) int
}

// CLI provides an interactive command-line interface.
type CLI struct {
	cfg      *config.Config
	eventBus *events.EventBus
	target   Target

	history *db.SessionStore
	pinger  *client.Pinger

	in  io.Reader
	out io.Writer
}

// NewCLI creates a console reading stdin and writing stdout.
func NewCLI(cfg *config.Config, eventBus *events.EventBus, target Target) *CLI {
	return &CLI{
		cfg:      cfg,
		eventBus: eventBus,
		target:   target,
		in:       os.Stdin,
		out:      os.Stdout,
	}
}

// SetDependencies injects the optional history store and pinger.
func (c *CLI) SetDependencies(history *db.SessionStore, pinger *client.Pinger) {
	c.history = history
	c.pinger = pinger
}

// SetIO replaces the console streams.
func (c *CLI) SetIO(in io.Reader, out io.Writer) {
	c.in = in
	c.out = out
}

// Start runs the read-eval loop until ctx is cancelled or input ends.
func (c *CLI) Start(ctx context.Context) {
	fmt.Fprintln(c.out, "\nbedrock console ready. Type 'help' for available commands.")

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
	}()

	for {
		fmt.Fprint(c.out, prompt)
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if err := c.Execute(ctx, line); err != nil {
				fmt.Fprintf(c.out, "Error: %v\n", err)
			}
		}
	}
}

// Execute runs one command line.
func (c *CLI) Execute(ctx context.Context, line string) error {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		return c.printStatus(args)
	case "history":
		return c.printHistory(args)
	case "ping":
		return c.cmdPing(ctx, args)
	case "kick":
		return c.cmdKick(args)
	case "say":
		return c.cmdSay(ctx, args)
	case "set":
		return c.cmdSet(args)
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down...")
		c.eventBus.Publish(events.EventShutdown, "cli", nil)
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

func (c *CLI) printHelp() {
	fmt.Fprintln(c.out, `
Commands:
  status [key]             Show live sessions, or one session in detail
  history [n|username]     Show recorded sessions
  ping <host> [port]       Ping a server and show its advertisement
  kick <key> [reason]      Disconnect a session
  say <message>            Broadcast a chat message to every player
  set <key> <value>        Change a server setting (applies on restart)
  quit                     Shut down
  help                     Show this help message`)
}

func (c *CLI) printStatus(args []string) error {
	if len(args) > 0 {
		p, ok := c.target.Client(args[0])
		if !ok {
			return fmt.Errorf("no session %s", args[0])
		}
		c.printSession(p)
		return nil
	}

	st := c.target.Status()
	fmt.Fprintf(c.out, "\n  %s  version %s (protocol %d)  players %d/%d  sessions %d  up %s\n\n",
		st.Address, st.Version, st.Protocol, st.Players, st.MaxPlayers, st.Sessions,
		st.Uptime.Truncate(time.Second))

	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"Key", "Player", "State", "Version", "Connected", "Idle"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, p := range c.target.Clients() {
		tw.Append([]string{
			p.Key(),
			orDash(p.Profile().Name),
			p.State().String(),
			p.Version(),
			time.Since(p.ConnectedAt()).Truncate(time.Second).String(),
			time.Since(p.LastActivity()).Truncate(time.Second).String(),
		})
	}

	tw.Render()
	fmt.Fprintln(c.out)
	return nil
}

func (c *CLI) printSession(p *server.Player) {
	prof := p.Profile()
	fmt.Fprintf(c.out, "\n  Key:        %s\n", p.Key())
	fmt.Fprintf(c.out, "  Session:    %s\n", p.ID())
	fmt.Fprintf(c.out, "  Player:     %s\n", orDash(prof.Name))
	fmt.Fprintf(c.out, "  XUID:       %s\n", orDash(prof.XUID))
	fmt.Fprintf(c.out, "  State:      %s\n", p.State())
	fmt.Fprintf(c.out, "  Version:    %s (protocol %d)\n", p.Version(), p.Protocol())
	fmt.Fprintf(c.out, "  Entity:     %d\n", p.EntityID())
	fmt.Fprintf(c.out, "  Connected:  %s\n", p.ConnectedAt().Format(time.RFC3339))
	fmt.Fprintln(c.out)
}

func (c *CLI) printHistory(args []string) error {
	if c.history == nil {
		return errors.New("session history is disabled")
	}

	var (
		recs []db.SessionRecord
		err  error
	)
	switch {
	case len(args) == 0:
		recs, err = c.history.Recent(20)
	default:
		if n, convErr := strconv.Atoi(args[0]); convErr == nil {
			recs, err = c.history.Recent(n)
		} else {
			recs, err = c.history.ByUsername(args[0], 20)
		}
	}
	if err != nil {
		return err
	}

	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"Player", "Remote", "Version", "Opened", "Duration", "Reason"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, r := range recs {
		opened := "-"
		if !r.OpenedAt.IsZero() {
			opened = r.OpenedAt.Format("2006-01-02 15:04:05")
		}
		duration := r.Duration().Truncate(time.Second).String()
		if r.Open() {
			duration += " (open)"
		}
		tw.Append([]string{
			orDash(r.Username),
			r.Remote,
			r.Version,
			opened,
			duration,
			orDash(r.Reason),
		})
	}

	tw.Render()
	return nil
}

func (c *CLI) cmdPing(ctx context.Context, args []string) error {
	if c.pinger == nil {
		return errors.New("ping is unavailable")
	}
	if len(args) < 1 {
		return errors.New("usage: ping <host> [port]")
	}
	port := config.DefaultPort
	if len(args) > 1 {
		p, err := strconv.Atoi(args[1])
		if err != nil || p < 1 || p > 65535 {
			return fmt.Errorf("invalid port: %s", args[1])
		}
		port = p
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	start := time.Now()
	ad, err := c.pinger.Ping(ctx, args[0], port)
	if err != nil {
		return err
	}

	fmt.Fprintf(c.out, "%s:%d  %q  %s (protocol %d)  %d/%d players  %s  %dms\n",
		args[0], port, ad.MOTD, ad.Version, ad.Protocol, ad.PlayersOnline, ad.PlayersMax,
		ad.GameMode, time.Since(start).Milliseconds())
	return nil
}

func (c *CLI) cmdKick(args []string) error {
	if len(args) < 1 {
		return errors.New("usage: kick <key> [reason]")
	}
	reason := "Kicked by an operator"
	if len(args) > 1 {
		reason = strings.Join(args[1:], " ")
	}
	if !c.target.Kick(args[0], reason) {
		return fmt.Errorf("no session %s", args[0])
	}
	fmt.Fprintf(c.out, "Disconnected %s: %s\n", args[0], reason)
	return nil
}

func (c *CLI) cmdSay(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: say <message>")
	}
	message := strings.Join(args, " ")
	n := c.target.BroadcastMessage(ctx, message)
	fmt.Fprintf(c.out, "Message sent to %d players\n", n)
	return nil
}

func (c *CLI) cmdSet(args []string) error {
	if len(args) < 2 {
		return errors.New("usage: set <key> <value>")
	}
	key := args[0]
	raw := strings.Join(args[1:], " ")

	var value interface{} = raw
	if n, err := strconv.Atoi(raw); err == nil {
		value = n
	} else if b, err := strconv.ParseBool(raw); err == nil {
		value = b
	}

	if err := c.cfg.UpdateServerField(key, value); err != nil {
		return err
	}
	if err := c.cfg.Save(); err != nil {
		return fmt.Errorf("setting changed but not saved: %w", err)
	}

	c.eventBus.Publish(events.EventConfigChanged, "cli", events.ConfigChangedPayload{
		Section: "server",
		Key:     key,
		Value:   value,
	})
	fmt.Fprintf(c.out, "Set server.%s = %v (restart to apply)\n", key, value)
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
