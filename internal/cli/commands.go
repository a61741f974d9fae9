// Package cli implements the operator console: live sessions, counters,
// shard health and version policies, plus kick and feature commands.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/shardgate/internal/db"
	"github.com/energizer-project/shardgate/internal/diag"
	"github.com/energizer-project/shardgate/internal/events"
	"github.com/energizer-project/shardgate/internal/health"
	"github.com/energizer-project/shardgate/internal/session"
)

// ShardStatus reports the last probe of each shard.
type ShardStatus interface {
	Status() []health.ShardStatus
}

// PolicyLister lists the version policies.
type PolicyLister interface {
	List() []db.Policy
}

// Deps are the components the console reads and controls. Nil members
// disable the commands that need them.
type Deps struct {
	Sessions *session.Table
	Stats    *diag.Stats
	Health   ShardStatus
	Policies PolicyLister
	Bus      *events.Bus
}

// CLI provides an interactive command-line interface.
type CLI struct {
	deps Deps
	out  io.Writer
}

// NewCLI creates a console writing to out.
func NewCLI(deps Deps, out io.Writer) *CLI {
	return &CLI{deps: deps, out: out}
}

// Start reads commands from in until EOF, quit or ctx is cancelled.
func (c *CLI) Start(ctx context.Context, in io.Reader) {
	fmt.Fprintln(c.out, "\nshardgate console ready. Type 'help' for available commands.")

	lines := make(chan string)
	done := make(chan struct{})
	defer close(done)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
	}()

	for {
		fmt.Fprint(c.out, "shardgate> ")
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := c.Execute(ctx, line); quit {
				return
			}
		}
	}
}

// Execute runs one command line and reports whether the console should exit.
func (c *CLI) Execute(ctx context.Context, line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	var err error
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "sessions", "ls":
		c.printSessions()
	case "session":
		err = c.printSession(args)
	case "stats":
		c.printStats()
	case "shards":
		c.printShards()
	case "policies":
		c.printPolicies()
	case "kick":
		err = c.cmdKick(args)
	case "features":
		err = c.cmdFeatures(args)
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down shardgate...")
		if c.deps.Bus != nil {
			c.deps.Bus.Emit(ctx, events.Event{Type: events.EventShutdown, Source: "cli"})
		}
		return true
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
	}
	return false
}

func (c *CLI) printHelp() {
	fmt.Fprintln(c.out, `
  sessions               List live sessions
  session <id>           Show one session
  stats                  Show protocol counters
  shards                 Show shard health
  policies               Show version policies
  kick <id>              Disconnect a session
  features <id> [names]  Set a session's features (encryption, compression)
  quit                   Shut down shardgate
  help                   Show this help message`)
}

func (c *CLI) table(header []string) *tablewriter.Table {
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader(header)
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	return tw
}

func (c *CLI) printSessions() {
	if c.deps.Sessions == nil {
		fmt.Fprintln(c.out, "No session table")
		return
	}
	tw := c.table([]string{"ID", "Remote", "State", "Features", "Account", "Version", "Faults", "Idle"})
	for _, s := range c.deps.Sessions.List() {
		info := s.Info()
		tw.Append([]string{
			strconv.FormatUint(info.ID, 10),
			info.Remote,
			info.State.String(),
			strings.Join(info.Features, "+"),
			info.Account,
			info.Version,
			strconv.FormatInt(info.Faults, 10),
			time.Since(info.LastActivity).Truncate(time.Second).String(),
		})
	}
	tw.Render()
}

func (c *CLI) lookup(args []string) (*session.Session, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("session id required")
	}
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid session id: %s", args[0])
	}
	if c.deps.Sessions == nil {
		return nil, fmt.Errorf("session %d not found", id)
	}
	s, ok := c.deps.Sessions.Get(id)
	if !ok {
		return nil, fmt.Errorf("session %d not found", id)
	}
	return s, nil
}

func (c *CLI) printSession(args []string) error {
	s, err := c.lookup(args)
	if err != nil {
		return err
	}
	info := s.Info()
	fmt.Fprintf(c.out, "\n  Session:      %d\n", info.ID)
	fmt.Fprintf(c.out, "  Remote:       %s\n", info.Remote)
	fmt.Fprintf(c.out, "  State:        %s\n", info.State)
	fmt.Fprintf(c.out, "  Features:     %s\n", strings.Join(info.Features, "+"))
	fmt.Fprintf(c.out, "  Stages:       %s\n", strings.Join(info.Stages, " -> "))
	fmt.Fprintf(c.out, "  Account:      %s\n", info.Account)
	fmt.Fprintf(c.out, "  Mobile:       %s\n", info.Mobile)
	fmt.Fprintf(c.out, "  Version:      %s\n", info.Version)
	fmt.Fprintf(c.out, "  Faults:       %d\n", info.Faults)
	fmt.Fprintf(c.out, "  Connected:    %s\n", info.ConnectedAt.Format(time.RFC3339))
	fmt.Fprintln(c.out)
	return nil
}

func (c *CLI) printStats() {
	if c.deps.Stats == nil {
		fmt.Fprintln(c.out, "No counters")
		return
	}
	snap := c.deps.Stats.Snapshot()
	fmt.Fprintf(c.out, "\n  Uptime:           %s\n", snap.Uptime)
	fmt.Fprintf(c.out, "  Live sessions:    %d\n", snap.LiveSessions)
	fmt.Fprintf(c.out, "  Accepted:         %d\n", snap.AcceptedSessions)
	fmt.Fprintf(c.out, "  Handshake failed: %d\n", snap.HandshakeFailed)
	fmt.Fprintf(c.out, "  Wire in/out:      %d / %d\n", snap.WireBytesIn, snap.WireBytesOut)
	fmt.Fprintf(c.out, "  Plain in/out:     %d / %d\n", snap.PlainBytesIn, snap.PlainBytesOut)
	fmt.Fprintf(c.out, "  Faults:           %d\n\n", snap.TotalFaults())

	if len(snap.Inbound) == 0 && len(snap.Outbound) == 0 {
		return
	}
	tw := c.table([]string{"Direction", "Opcode", "Packets", "Bytes"})
	for _, row := range snap.Inbound {
		tw.Append([]string{"in", row.Opcode, strconv.FormatUint(row.Packets, 10), strconv.FormatUint(row.Bytes, 10)})
	}
	for _, row := range snap.Outbound {
		tw.Append([]string{"out", row.Opcode, strconv.FormatUint(row.Packets, 10), strconv.FormatUint(row.Bytes, 10)})
	}
	tw.Render()
}

func (c *CLI) printShards() {
	if c.deps.Health == nil {
		fmt.Fprintln(c.out, "Shard health is not monitored")
		return
	}
	tw := c.table([]string{"Shard", "Address", "Status", "Latency", "Checked"})
	for _, st := range c.deps.Health.Status() {
		status, latency, checked := "UP", st.Latency.String(), st.CheckedAt.Format(time.TimeOnly)
		if !st.Up {
			status = "DOWN"
		}
		tw.Append([]string{st.Name, st.Address, status, latency, checked})
	}
	tw.Render()
}

func (c *CLI) printPolicies() {
	if c.deps.Policies == nil {
		fmt.Fprintln(c.out, "No policy store")
		return
	}
	tw := c.table([]string{"Min Version", "Features", "Note"})
	for _, p := range c.deps.Policies.List() {
		tw.Append([]string{p.MinVersion.String(), p.Features.String(), p.Note})
	}
	tw.Render()
}

func (c *CLI) cmdKick(args []string) error {
	s, err := c.lookup(args)
	if err != nil {
		return err
	}
	s.Disconnect("console")
	c.deps.Sessions.Remove(s.ID())
	log.Info().Uint64("session", s.ID()).Msg("CLI: session kicked")
	fmt.Fprintf(c.out, "Session %d disconnected\n", s.ID())
	return nil
}

func (c *CLI) cmdFeatures(args []string) error {
	s, err := c.lookup(args)
	if err != nil {
		return err
	}
	want, err := session.ParseFeatures(args[1:])
	if err != nil {
		return err
	}
	if !s.RequestFeatures(want) {
		return fmt.Errorf("session %d is closed", s.ID())
	}
	fmt.Fprintf(c.out, "Requested %s for session %d\n", want, s.ID())
	return nil
}
