// Package cli implements the interactive operator console: a station table,
// assignment, match control and e-stops from the FMS terminal.
package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/fieldlink-project/fieldlink/internal/config"
	"github.com/fieldlink-project/fieldlink/internal/events"
	"github.com/fieldlink-project/fieldlink/internal/field"
	"github.com/fieldlink-project/fieldlink/internal/match"
	"github.com/fieldlink-project/fieldlink/internal/protocol"
)

// Field is the part of the link supervisor the console drives.
type Field interface {
	Assign(station protocol.AllianceStation, team uint16) error
	Release(station protocol.AllianceStation) error
	Snapshots() []field.SessionSnapshot
	Snapshot(station protocol.AllianceStation) (field.SessionSnapshot, bool)
	FieldEstop() bool
}

// Match is the part of the match controller the console drives.
type Match interface {
	Load(level protocol.TournamentLevel, number uint16, play uint8) error
	Start() error
	Abort(reason string) error
	Reset() error
	EstopStation(station protocol.AllianceStation) error
	State() match.State
}

// EstopSwitch is the operator's field e-stop.
type EstopSwitch interface {
	Set(asserted bool)
	FieldEstop() bool
}

// CLI provides an interactive command-line interface.
type CLI struct {
	cfg     *config.Config
	emitter events.Emitter
	field   Field
	match   Match
	estop   EstopSwitch

	in  io.Reader
	out io.Writer
	now func() time.Time
}

// NewCLI creates a console reading stdin and writing stdout.
func NewCLI(cfg *config.Config, emitter events.Emitter, f Field, m Match, estop EstopSwitch) *CLI {
	return &CLI{
		cfg:     cfg,
		emitter: emitter,
		field:   f,
		match:   m,
		estop:   estop,
		in:      os.Stdin,
		out:     os.Stdout,
		now:     time.Now,
	}
}

// SetIO redirects the console.
func (c *CLI) SetIO(in io.Reader, out io.Writer) {
	c.in = in
	c.out = out
}

// Start runs the command loop until ctx is cancelled, input ends, or the
// operator quits.
func (c *CLI) Start(ctx context.Context) {
	fmt.Fprintln(c.out, "\nfieldlink console ready. Type 'help' for available commands.")

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
	}()

	for {
		fmt.Fprint(c.out, "fieldlink> ")
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			parts := strings.Fields(line)
			if len(parts) == 0 {
				continue
			}
			quit, err := c.execute(ctx, strings.ToLower(parts[0]), parts[1:])
			if err != nil {
				fmt.Fprintf(c.out, "Error: %v\n", err)
			}
			if quit {
				return
			}
		}
	}
}

// execute runs one command. It reports true when the console should exit.
func (c *CLI) execute(ctx context.Context, cmd string, args []string) (bool, error) {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		return false, c.printStatus(args)
	case "match", "m":
		c.printMatch()
	case "assign", "a":
		return false, c.cmdAssign(args)
	case "release", "r":
		return false, c.cmdRelease(args)
	case "estop":
		return false, c.cmdEstop(args)
	case "load":
		return false, c.cmdLoad(args)
	case "start":
		if err := c.match.Start(); err != nil {
			return false, err
		}
		c.printMatch()
	case "abort":
		if err := c.match.Abort(strings.Join(args, " ")); err != nil {
			return false, err
		}
		c.printMatch()
	case "reset":
		if err := c.match.Reset(); err != nil {
			return false, err
		}
		c.printMatch()
	case "setconfig":
		return false, c.cmdSetConfig(args)
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down fieldlink...")
		if c.emitter != nil {
			c.emitter.Emit(ctx, events.Event{
				Type:   events.EventShutdown,
				Source: "cli",
			})
		}
		return true, nil
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return false, nil
}

func (c *CLI) printHelp() {
	fmt.Fprint(c.out, `
Commands:
  status [station]            Station table, or detail for one station
  match                       Show the loaded match
  assign <station> <team>     Place a team in a station (R1..B3)
  release <station>           Remove a station's assignment
  estop <station>             Latch an e-stop on one station
  estop field on|off          Set or clear the operator field e-stop
  load <level> <number> [n]   Load a match (test, practice, qualification, playoff)
  start                       Start the loaded match
  abort [reason]              Abort the running match
  reset                       Return to pre-match
  setconfig <key> <value>     Update a field_data value
  quit                        Shut down fieldlink
`)
}

// printStatus renders every assigned station as a table.
func (c *CLI) printStatus(args []string) error {
	if len(args) > 0 {
		station, err := protocol.ParseAllianceStation(args[0])
		if err != nil {
			return err
		}
		snap, ok := c.field.Snapshot(station)
		if !ok {
			return fmt.Errorf("%s is not assigned", station)
		}
		c.printStationDetail(snap)
		return nil
	}

	fmt.Fprintln(c.out)
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"Station", "Team", "Link", "Enabled", "Mode", "E-Stop", "Battery", "Missed", "Last Status"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	now := c.now()
	for _, snap := range c.field.Snapshots() {
		battery, lastSeen := "-", "never"
		if snap.LastStatus != nil {
			battery = fmt.Sprintf("%.2f V", snap.LastStatus.BatteryVoltage)
		}
		if !snap.LastReceivedAt.IsZero() {
			lastSeen = formatAge(now.Sub(snap.LastReceivedAt))
		}
		tw.Append([]string{
			snap.Station.Code(),
			strconv.Itoa(int(snap.Team)),
			strings.ToUpper(snap.LinkStatus.String()),
			yesNo(snap.Control.Enabled),
			snap.Control.Mode.String(),
			yesNo(snap.Control.Estop),
			battery,
			strconv.FormatUint(snap.MissedPackets, 10),
			lastSeen,
		})
	}
	tw.Render()

	fmt.Fprintf(c.out, "Field e-stop: %s\n\n", yesNo(c.field.FieldEstop()))
	return nil
}

func (c *CLI) printStationDetail(snap field.SessionSnapshot) {
	fmt.Fprintf(c.out, "\n  Station:       %s\n", snap.Station)
	fmt.Fprintf(c.out, "  Team:          %d\n", snap.Team)
	fmt.Fprintf(c.out, "  Link:          %s (since %s)\n", snap.LinkStatus, snap.StatusSince.Format(time.TimeOnly))
	fmt.Fprintf(c.out, "  Control:       enabled=%v mode=%s estop=%v\n", snap.Control.Enabled, snap.Control.Mode, snap.Control.Estop)
	fmt.Fprintf(c.out, "  Next sequence: %d\n", snap.NextSequence)
	fmt.Fprintf(c.out, "  Packets:       sent=%d accepted=%d stale=%d missed=%d\n",
		snap.PacketsSent, snap.PacketsAccepted, snap.PacketsStale, snap.MissedPackets)
	if st := snap.LastStatus; st != nil {
		fmt.Fprintf(c.out, "  Battery:       %.2f V\n", st.BatteryVoltage)
		fmt.Fprintf(c.out, "  Robot comms:   %v (radio ping %v, rio ping %v)\n", st.RobotCommsActive, st.RadioPing, st.RioPing)
		fmt.Fprintf(c.out, "  Reported:      enabled=%v mode=%s estop=%v\n", st.EnabledReported, st.ModeReported, st.EstopReported)
	}
	fmt.Fprintln(c.out)
}

func (c *CLI) printMatch() {
	s := c.match.State()
	fmt.Fprintf(c.out, "Match: %s %d (play %d)  phase=%s  remaining=%ds",
		s.Level, s.MatchNumber, s.PlayNumber, s.Phase, s.RemainingSeconds)
	if len(s.StationEstops) > 0 {
		fmt.Fprintf(c.out, "  estopped=%s", strings.Join(s.StationEstops, ","))
	}
	fmt.Fprintln(c.out)
}

func (c *CLI) cmdAssign(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: assign <station> <team>")
	}
	station, err := protocol.ParseAllianceStation(args[0])
	if err != nil {
		return err
	}
	team, err := strconv.ParseUint(args[1], 10, 16)
	if err != nil || team == 0 {
		return fmt.Errorf("invalid team: %s", args[1])
	}
	if err := c.field.Assign(station, uint16(team)); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Team %d assigned to %s\n", team, station)
	return nil
}

func (c *CLI) cmdRelease(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: release <station>")
	}
	station, err := protocol.ParseAllianceStation(args[0])
	if err != nil {
		return err
	}
	if err := c.field.Release(station); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s released\n", station)
	return nil
}

func (c *CLI) cmdEstop(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: estop <station> | estop field on|off")
	}

	if strings.EqualFold(args[0], "field") {
		if c.estop == nil {
			return fmt.Errorf("operator e-stop not available")
		}
		if len(args) < 2 {
			return fmt.Errorf("usage: estop field on|off")
		}
		switch strings.ToLower(args[1]) {
		case "on":
			c.estop.Set(true)
		case "off":
			c.estop.Set(false)
		default:
			return fmt.Errorf("usage: estop field on|off")
		}
		fmt.Fprintf(c.out, "Field e-stop: %s\n", yesNo(c.field.FieldEstop()))
		return nil
	}

	station, err := protocol.ParseAllianceStation(args[0])
	if err != nil {
		return err
	}
	if err := c.match.EstopStation(station); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s e-stopped until reset\n", station)
	return nil
}

func (c *CLI) cmdLoad(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: load <level> <number> [play]")
	}
	level, err := protocol.ParseTournamentLevel(strings.ToLower(args[0]))
	if err != nil {
		return err
	}
	number, err := strconv.ParseUint(args[1], 10, 16)
	if err != nil {
		return fmt.Errorf("invalid match number: %s", args[1])
	}
	play := uint64(1)
	if len(args) > 2 {
		if play, err = strconv.ParseUint(args[2], 10, 8); err != nil {
			return fmt.Errorf("invalid play number: %s", args[2])
		}
	}
	if err := c.match.Load(level, uint16(number), uint8(play)); err != nil {
		return err
	}
	c.printMatch()
	return nil
}

// cmdSetConfig updates one field_data key. Values that parse as JSON
// (numbers, booleans, objects) are stored as such, anything else as a
// string.
func (c *CLI) cmdSetConfig(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: setconfig <key> <value>")
	}

	key := args[0]
	raw := strings.Join(args[1:], " ")
	var value interface{}
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		value = raw
	}

	before := c.cfg.GetFieldData()
	if err := c.cfg.UpdateFieldValue(key, value); err != nil {
		return err
	}
	if result := config.Validate(c.cfg); !result.IsValid() {
		c.cfg.SetFieldData(before)
		return result.Errors[0]
	}
	if err := c.cfg.Save(); err != nil {
		return err
	}

	fmt.Fprintf(c.out, "Config updated: %s = %s\n", key, raw)
	return nil
}

func yesNo(b bool) string {
	if b {
		return "YES"
	}
	return "no"
}

func formatAge(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms ago", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs ago", d.Seconds())
	default:
		return d.Truncate(time.Second).String() + " ago"
	}
}
