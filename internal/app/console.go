package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"github.com/1ureka/peercall/internal/call"
	"github.com/1ureka/peercall/internal/signaling"
)

const intentTimeout = 5 * time.Second

// controller is the part of the call machine the console drives.
type controller interface {
	Call(ctx context.Context, peer signaling.ParticipantID) error
	Accept(ctx context.Context) error
	Decline(ctx context.Context) error
	Hangup(ctx context.Context) error
	Snapshot() call.Snapshot
}

// console turns text commands into call intents.
type console struct {
	ctl controller
	out io.Writer
}

// handle runs one command line and reports whether the user asked to quit.
func (c *console) handle(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, intentTimeout)
	defer cancel()

	var err error
	switch cmd := strings.ToLower(fields[0]); cmd {
	case "list", "ls":
		c.list()
	case "call":
		if len(fields) != 2 {
			err = errors.New("usage: call <participant>")
			break
		}
		peer, resolveErr := c.resolve(fields[1])
		if resolveErr != nil {
			err = resolveErr
			break
		}
		err = c.ctl.Call(ctx, peer)
		if err == nil {
			fmt.Fprintf(c.out, "calling %s...\n", peer)
		}
	case "accept":
		err = c.ctl.Accept(ctx)
	case "decline":
		err = c.ctl.Decline(ctx)
	case "hangup":
		err = c.ctl.Hangup(ctx)
	case "status":
		c.status()
	case "help", "?":
		c.help()
	case "quit", "exit":
		return true
	default:
		err = fmt.Errorf("unknown command %q (try help)", cmd)
	}

	if err != nil {
		fmt.Fprintln(c.out, pterm.Error.Sprint(err))
	}
	return false
}

// resolve accepts a full participant id, a unique id prefix, or a 1-based
// index into the list output.
func (c *console) resolve(arg string) (signaling.ParticipantID, error) {
	visible := c.ctl.Snapshot().Visible

	var idx int
	if _, err := fmt.Sscanf(arg, "%d", &idx); err == nil && fmt.Sprint(idx) == arg {
		if idx < 1 || idx > len(visible) {
			return "", fmt.Errorf("%w: no entry #%d", call.ErrUnknownParticipant, idx)
		}
		return visible[idx-1], nil
	}

	var match signaling.ParticipantID
	for _, id := range visible {
		if string(id) == arg {
			return id, nil
		}
		if strings.HasPrefix(string(id), arg) {
			if match != "" {
				return "", fmt.Errorf("%w: %q is ambiguous", call.ErrUnknownParticipant, arg)
			}
			match = id
		}
	}
	if match == "" {
		// Let the machine reject it against its own roster.
		return signaling.ParticipantID(arg), nil
	}
	return match, nil
}

func (c *console) list() {
	visible := c.ctl.Snapshot().Visible
	if len(visible) == 0 {
		fmt.Fprintln(c.out, "nobody else is online")
		return
	}

	data := pterm.TableData{{"#", "Participant"}}
	for i, id := range visible {
		data = append(data, []string{fmt.Sprint(i + 1), string(id)})
	}
	table, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		fmt.Fprintln(c.out, pterm.Error.Sprint(err))
		return
	}
	fmt.Fprintln(c.out, table)
}

func (c *console) status() {
	s := c.ctl.Snapshot()
	self := string(s.Self)
	if self == "" {
		self = "(not connected)"
	}
	fmt.Fprintf(c.out, "you: %s\n", self)
	if s.State == call.StateIdle {
		fmt.Fprintln(c.out, "state: idle")
		return
	}
	fmt.Fprintf(c.out, "state: %s as %s with %s (call %s)\n", s.State, s.Role, s.Peer, s.CallID)
}

func (c *console) help() {
	fmt.Fprintln(c.out, "commands: list | call <#|id> | accept | decline | hangup | status | quit")
}
