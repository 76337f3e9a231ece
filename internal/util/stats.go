package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide call counter.
var Stats = &stats{}

type stats struct {
	CallsPlaced    atomic.Int64 // outbound invites sent
	CallsReceived  atomic.Int64 // inbound invites that started ringing
	CallsConnected atomic.Int64 // sessions that reached Connected
	CallsEnded     atomic.Int64 // sessions that reached Ended, for any reason
	CallsRejected  atomic.Int64 // inbound invites auto-declined while busy
	StaleSignals   atomic.Int64 // signals dropped because their call was gone
}

func (s *stats) AddPlaced()    { s.CallsPlaced.Add(1) }
func (s *stats) AddReceived()  { s.CallsReceived.Add(1) }
func (s *stats) AddConnected() { s.CallsConnected.Add(1) }
func (s *stats) AddEnded()     { s.CallsEnded.Add(1) }
func (s *stats) AddRejected()  { s.CallsRejected.Add(1) }
func (s *stats) AddStale()     { s.StaleSignals.Add(1) }

// snapshot is a point-in-time copy of the counters.
type snapshot struct {
	placed, received, connected, ended, rejected, stale int64
}

func (s *stats) snapshot() snapshot {
	return snapshot{
		placed:    s.CallsPlaced.Load(),
		received:  s.CallsReceived.Load(),
		connected: s.CallsConnected.Load(),
		ended:     s.CallsEnded.Load(),
		rejected:  s.CallsRejected.Load(),
		stale:     s.StaleSignals.Load(),
	}
}

func (a snapshot) sub(b snapshot) snapshot {
	return snapshot{
		placed:    a.placed - b.placed,
		received:  a.received - b.received,
		connected: a.connected - b.connected,
		ended:     a.ended - b.ended,
		rejected:  a.rejected - b.rejected,
		stale:     a.stale - b.stale,
	}
}

func (a snapshot) zero() bool {
	return a == snapshot{}
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs call statistics every
// interval, but only when something changed. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		prev := Stats.snapshot()
		for {
			select {
			case <-ticker.C:
				cur := Stats.snapshot()
				if delta := cur.sub(prev); !delta.zero() {
					pterm.DefaultLogger.Info(formatStats(delta))
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

// formatStats returns a one-line summary of a stats delta for the logger.
func formatStats(d snapshot) string {
	return fmt.Sprintf("Calls: %d↑ %d↓ | Connected: %d | Ended: %d | Busy: %d | Stale: %d",
		d.placed,
		d.received,
		d.connected,
		d.ended,
		d.rejected,
		d.stale,
	)
}
