// Package app contains the top-level orchestration for the call client and
// the relay.
package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/1ureka/peercall/internal/call"
	"github.com/1ureka/peercall/internal/config"
	"github.com/1ureka/peercall/internal/media"
	"github.com/1ureka/peercall/internal/signaling"
	"github.com/1ureka/peercall/internal/transport"
	"github.com/1ureka/peercall/internal/util"
)

const statsInterval = 30 * time.Second

// RunClient orchestrates the full client lifecycle:
//  1. Open local media (a failure only disables calling)
//  2. Connect to the relay
//  3. Start the call machine and the notification printer
//  4. Read console commands until quit, EOF or shutdown
//  5. Stop the machine, then the relay connection
func RunClient(ctx context.Context, cfg config.Config, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	out = &lockedWriter{w: out}

	// ── 1. Local media ─────────────────────────────────────────────────
	var local *transport.LocalStream
	src, err := media.Open(media.Options{AudioFile: cfg.AudioFile, VideoFile: cfg.VideoFile})
	if err != nil {
		util.LogWarning("calling disabled: %v", err)
	} else {
		src.Start(ctx)
		local = src.Stream()
	}

	// ── 2. Relay ───────────────────────────────────────────────────────
	api, err := transport.NewAPI(transport.APIOptions{})
	if err != nil {
		return err
	}
	factory, err := transport.NewFactory(transport.Config{API: api, STUNServers: cfg.STUNServers})
	if err != nil {
		return err
	}

	// The relay connection must outlive the machine, whose shutdown hangup
	// goes out on it. Only the first dial follows ctx.
	relayCtx, stopRelay := context.WithCancel(context.WithoutCancel(ctx))
	defer stopRelay()
	stopDial := context.AfterFunc(ctx, stopRelay)
	client, err := signaling.Connect(relayCtx, cfg.RelayURL, signaling.Options{
		ReconnectMin: cfg.ReconnectMin,
		ReconnectMax: cfg.ReconnectMax,
	})
	stopDial()
	if err != nil {
		return err
	}
	util.LogSuccess("connected to relay %s", cfg.RelayURL)

	// ── 3. Call machine ────────────────────────────────────────────────
	m := call.New(client, call.NewFactory(factory), local, call.Options{InviteTimeout: cfg.InviteTimeout})
	runErr := make(chan error, 1)
	go func() { runErr <- m.Run(ctx) }()

	util.StartStatsReporter(ctx, statsInterval)
	go printNotes(ctx, m.Notifications(), out, cfg.RecordPath)

	// ── 4. Console ─────────────────────────────────────────────────────
	lines := make(chan string)
	go readLines(ctx, in, lines)

	con := &console{ctl: m, out: out}
	con.help()

	var result error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop

		case err := <-runErr:
			if err != nil && !errors.Is(err, context.Canceled) {
				result = err
			}
			break loop

		case line, ok := <-lines:
			if !ok || con.handle(ctx, line) {
				break loop
			}
		}
	}

	// ── 5. Shutdown ────────────────────────────────────────────────────
	cancel()
	<-m.Done()
	client.Close()
	return result
}

// readLines forwards input lines until EOF or ctx is cancelled.
func readLines(ctx context.Context, in io.Reader, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		select {
		case lines <- scanner.Text():
		case <-ctx.Done():
			return
		}
	}
}

// printNotes reports machine notifications on out and, when recordPath is
// set, records the remote audio of every connected call.
func printNotes(ctx context.Context, notes <-chan call.Note, out io.Writer, recordPath string) {
	var stopRecording context.CancelFunc

	for n := range notes {
		switch n.Kind {
		case call.NoteRoster:
			if n.Self == "" {
				fmt.Fprintln(out, pterm.Warning.Sprint("relay connection lost, reconnecting..."))
				continue
			}
			fmt.Fprintf(out, "%d participant(s) online\n", len(n.Visible))

		case call.NoteRinging:
			fmt.Fprintln(out, pterm.Info.Sprintf("incoming call from %s (accept / decline)", n.Peer))

		case call.NoteRejected:
			fmt.Fprintf(out, "missed call from %s (busy)\n", n.Peer)

		case call.NoteConnected:
			fmt.Fprintln(out, pterm.Success.Sprintf("connected to %s", n.Peer))
			if recordPath != "" && n.Stream != nil {
				var recCtx context.Context
				recCtx, stopRecording = context.WithCancel(ctx)
				path := recordingPath(recordPath, n.CallID)
				go func() {
					if err := media.Record(recCtx, n.Stream, path); err != nil {
						util.LogWarning("recording failed: %v", err)
					}
				}()
			}

		case call.NoteEnded:
			if stopRecording != nil {
				stopRecording()
				stopRecording = nil
			}
			msg := fmt.Sprintf("call with %s ended: %s", n.Peer, n.Reason)
			if n.Err != nil {
				msg += fmt.Sprintf(" (%v)", n.Err)
			}
			fmt.Fprintln(out, msg)
		}
	}

	if stopRecording != nil {
		stopRecording()
	}
}

// recordingPath derives a per-call file name from the configured path, e.g.
// calls.ogg becomes calls-1a2b3c4d.ogg.
func recordingPath(base string, id signaling.CallID) string {
	ext := filepath.Ext(base)
	if ext == "" {
		ext = ".ogg"
	}
	short := string(id)
	if len(short) > 8 {
		short = short[:8]
	}
	return strings.TrimSuffix(base, filepath.Ext(base)) + "-" + short + ext
}

// lockedWriter serializes writes from the console and the note printer.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
