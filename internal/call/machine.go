// Package call runs the two-party call state machine: it turns "call this
// participant" into a negotiated live stream and an incoming invite into a
// ringing, accept, connect sequence.
//
// Every state change happens on the goroutine running Machine.Run. Relay
// events, negotiator results, timer expiry and user intents all arrive there
// over channels, so session state needs no locks.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/1ureka/peercall/internal/roster"
	"github.com/1ureka/peercall/internal/signaling"
	"github.com/1ureka/peercall/internal/transport"
	"github.com/1ureka/peercall/internal/util"
)

var (
	// ErrBusy rejects a call while another one is active.
	ErrBusy = errors.New("call already in progress")
	// ErrNoCall is returned by Accept, Decline and Hangup when there is no call.
	ErrNoCall = errors.New("no active call")
	// ErrInvalidState is returned when an intent does not fit the call's state.
	ErrInvalidState = errors.New("invalid call state")
	// ErrUnknownParticipant rejects a call to someone not in the roster.
	ErrUnknownParticipant = errors.New("unknown participant")
	// ErrStaleSignal marks a signal for a call that has ended or was never
	// ours. Such signals are dropped, never applied.
	ErrStaleSignal = errors.New("stale signal")
	// ErrStopped is returned by intents once Run has returned.
	ErrStopped = errors.New("call machine stopped")
)

// Options tunes a Machine. Zero values select the defaults.
type Options struct {
	// InviteTimeout ends a call that has not connected in time. Zero
	// disables it.
	InviteTimeout time.Duration
	// NoteBuffer is the capacity of the notification channel.
	NoteBuffer int
	// NewCallID generates call ids; defaults to random UUIDs.
	NewCallID func() signaling.CallID
}

// Machine owns at most one call session at a time.
type Machine struct {
	relay   Relay
	factory NegotiatorFactory
	local   *transport.LocalStream
	opts    Options

	intents  chan intent
	internal chan sessionEvent
	notes    chan Note
	done     chan struct{}
	runOnce  sync.Once

	snapMu sync.RWMutex
	snap   Snapshot

	// Owned by the Run goroutine.
	ctx      context.Context
	self     signaling.ParticipantID
	roster   signaling.Roster
	sess     *session
	stopping bool
}

// New creates a machine. local may be nil when local media could not be
// opened; browsing the roster still works but every call fails.
func New(relay Relay, factory NegotiatorFactory, local *transport.LocalStream, opts Options) *Machine {
	if opts.NoteBuffer <= 0 {
		opts.NoteBuffer = 64
	}
	if opts.NewCallID == nil {
		opts.NewCallID = func() signaling.CallID { return signaling.CallID(uuid.NewString()) }
	}
	return &Machine{
		relay:    relay,
		factory:  factory,
		local:    local,
		opts:     opts,
		intents:  make(chan intent),
		internal: make(chan sessionEvent, 8),
		notes:    make(chan Note, opts.NoteBuffer),
		done:     make(chan struct{}),
		snap:     Snapshot{State: StateIdle},
	}
}

// Notifications delivers what happened, in order. It is closed when Run
// returns.
func (m *Machine) Notifications() <-chan Note {
	return m.notes
}

// Snapshot returns the current state.
func (m *Machine) Snapshot() Snapshot {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	s := m.snap
	s.Visible = append([]signaling.ParticipantID(nil), m.snap.Visible...)
	return s
}

// Done is closed once Run has returned.
func (m *Machine) Done() <-chan struct{} {
	return m.done
}

// ---------------------------------------------------------------------------
// User intents
// ---------------------------------------------------------------------------

type intentKind int

const (
	intentCall intentKind = iota + 1
	intentAccept
	intentDecline
	intentHangup
)

type intent struct {
	kind  intentKind
	peer  signaling.ParticipantID
	reply chan error
}

// Call starts a call to peer. It returns once the machine is Dialing; the
// outcome arrives as NoteConnected or NoteEnded.
func (m *Machine) Call(ctx context.Context, peer signaling.ParticipantID) error {
	return m.do(ctx, intent{kind: intentCall, peer: peer})
}

// Accept answers the ringing call. The machine stays Ringing until the
// remote stream is live.
func (m *Machine) Accept(ctx context.Context) error {
	return m.do(ctx, intent{kind: intentAccept})
}

// Decline refuses the ringing call.
func (m *Machine) Decline(ctx context.Context) error {
	return m.do(ctx, intent{kind: intentDecline})
}

// Hangup ends the current call in any state.
func (m *Machine) Hangup(ctx context.Context) error {
	return m.do(ctx, intent{kind: intentHangup})
}

func (m *Machine) do(ctx context.Context, in intent) error {
	in.reply = make(chan error, 1)
	select {
	case m.intents <- in:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrStopped
	}
	select {
	case err := <-in.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrStopped
	}
}

// ---------------------------------------------------------------------------
// Loop
// ---------------------------------------------------------------------------

// Run processes events until ctx is cancelled or the relay's event channel
// closes. An active call is hung up on the way out. Run may be called once.
func (m *Machine) Run(ctx context.Context) error {
	started := false
	m.runOnce.Do(func() { started = true })
	if !started {
		return errors.New("call machine already running")
	}

	m.ctx = ctx
	defer close(m.notes)
	defer close(m.done)
	defer func() {
		m.stopping = true
		if m.sess != nil {
			m.hangupAndEnd(m.sess, EndShutdown, nil)
		}
	}()

	events := m.relay.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				return nil
			}
			m.handleRelay(ev)

		case ev := <-m.internal:
			m.handleSession(ev)

		case in := <-m.intents:
			err := m.handleIntent(in)
			m.publish()
			in.reply <- err
		}
		m.publish()
	}
}

func (m *Machine) handleRelay(ev signaling.Event) {
	switch ev.Kind {
	case signaling.EventIdentity:
		m.self = ev.ID
		util.LogInfo("relay identity: %s", ev.ID)

	case signaling.EventRoster:
		m.roster = ev.Roster
		m.notify(Note{Kind: NoteRoster, Self: m.self, Visible: roster.Visible(m.roster, m.self)})
		if s := m.sess; s != nil && s.state != StateConnected {
			if _, ok := m.roster[s.peer]; !ok {
				m.end(s, EndPeerLeft, nil)
			}
		}

	case signaling.EventInvite:
		m.handleInvite(ev)

	case signaling.EventAccepted:
		s := m.current(ev, RoleCaller)
		if s == nil || s.state != StateDialing || s.answered {
			m.stale(ev)
			return
		}
		s.answered = true
		if err := s.neg.AcceptRemoteSignal(ev.Signal); err != nil {
			m.hangupAndEnd(s, EndFailed, err)
		}

	case signaling.EventDeclined:
		s := m.current(ev, RoleCaller)
		if s == nil {
			m.stale(ev)
			return
		}
		m.end(s, EndRemoteDeclined, fmt.Errorf("declined by %s: %s", s.peer, ev.Reason))

	case signaling.EventHangup:
		s := m.current(ev, 0)
		if s == nil {
			m.stale(ev)
			return
		}
		m.end(s, EndRemoteHangup, nil)

	case signaling.EventDisconnected:
		m.self = ""
		m.roster = nil
		m.notify(Note{Kind: NoteRoster})
		if m.sess != nil {
			err := signaling.ErrRelayUnavailable
			if ev.Err != nil {
				err = fmt.Errorf("%w: %w", signaling.ErrRelayUnavailable, ev.Err)
			}
			m.end(m.sess, EndRelayLost, err)
		}
	}
}

func (m *Machine) handleInvite(ev signaling.Event) {
	if m.self == "" || ev.From == "" || ev.CallID == "" {
		util.LogWarning("ignoring malformed invite from %q (call %q)", ev.From, ev.CallID)
		return
	}

	if s := m.sess; s != nil {
		if s.id == ev.CallID && s.peer == ev.From {
			m.stale(ev)
			return
		}
		// The active session is untouched; the newcomer is told we are busy.
		util.LogInfo("[%s] busy, declining invite %s from %s", s.id, ev.CallID, ev.From)
		if err := m.relay.Send(signaling.Decline{To: ev.From, CallID: ev.CallID, Reason: declineBusy}); err != nil {
			util.LogWarning("busy decline to %s failed: %v", ev.From, err)
		}
		util.Stats.AddRejected()
		m.notify(Note{Kind: NoteRejected, CallID: ev.CallID, Peer: ev.From})
		return
	}

	s := m.newSession(ev.CallID, RoleCallee, ev.From, StateRinging)
	s.offer = ev.Signal
	m.sess = s

	util.Stats.AddReceived()
	util.LogInfo("[%s] incoming call from %s", s.id, s.peer)
	m.notify(Note{Kind: NoteRinging, CallID: s.id, Peer: s.peer, Role: s.role})
}

func (m *Machine) handleSession(ev sessionEvent) {
	s := m.sess
	if s == nil || ev.sess != s {
		util.LogDebug("dropping result of a finished call")
		return
	}

	switch ev.kind {
	case sessSignal:
		var env signaling.Envelope
		if s.role == RoleCaller {
			env = signaling.Invite{To: s.peer, From: m.self, CallID: s.id, Offer: ev.blob}
		} else {
			env = signaling.Accept{To: s.peer, CallID: s.id, Answer: ev.blob}
		}
		if err := m.relay.Send(env); err != nil {
			m.hangupAndEnd(s, EndFailed, err)
			return
		}
		if s.role == RoleCaller {
			s.invited = true
			util.LogInfo("[%s] invite sent to %s", s.id, s.peer)
		} else {
			s.answered = true
			util.LogInfo("[%s] answer sent to %s", s.id, s.peer)
		}

	case sessStream:
		s.state = StateConnected
		if s.timer != nil {
			s.timer.Stop()
		}
		util.Stats.AddConnected()
		util.LogSuccess("[%s] connected to %s", s.id, s.peer)
		m.notify(Note{Kind: NoteConnected, CallID: s.id, Peer: s.peer, Role: s.role, Stream: ev.stream})

	case sessFailed:
		m.hangupAndEnd(s, EndFailed, ev.err)

	case sessTimeout:
		if s.state == StateConnected {
			return
		}
		util.LogWarning("[%s] no connection to %s after %s", s.id, s.peer, m.opts.InviteTimeout)
		m.hangupAndEnd(s, EndTimeout, nil)
	}
}

func (m *Machine) handleIntent(in intent) error {
	switch in.kind {
	case intentCall:
		return m.call(in.peer)

	case intentAccept:
		s := m.sess
		if s == nil {
			return ErrNoCall
		}
		if s.role != RoleCallee || s.state != StateRinging || s.neg != nil {
			return fmt.Errorf("%w: cannot accept while %s as %s", ErrInvalidState, s.state, s.role)
		}
		neg, err := m.factory.NewCallee(s.ctx, m.local, s.offer)
		if err != nil {
			if sendErr := m.relay.Send(signaling.Decline{To: s.peer, CallID: s.id, Reason: declineByFailed}); sendErr != nil {
				util.LogWarning("[%s] decline after failed accept: %v", s.id, sendErr)
			}
			m.end(s, EndFailed, err)
			return err
		}
		s.neg = neg
		s.offer = nil
		go m.watch(s)
		m.startTimer(s)
		util.LogInfo("[%s] accepted call from %s", s.id, s.peer)
		return nil

	case intentDecline:
		s := m.sess
		if s == nil {
			return ErrNoCall
		}
		if s.role != RoleCallee || s.state != StateRinging || s.neg != nil {
			return fmt.Errorf("%w: cannot decline while %s as %s", ErrInvalidState, s.state, s.role)
		}
		if err := m.relay.Send(signaling.Decline{To: s.peer, CallID: s.id, Reason: declineByUser}); err != nil {
			util.LogWarning("[%s] decline to %s failed: %v", s.id, s.peer, err)
		}
		m.end(s, EndDeclined, nil)
		return nil

	case intentHangup:
		s := m.sess
		if s == nil {
			return ErrNoCall
		}
		m.hangupAndEnd(s, EndHangup, nil)
		return nil
	}
	return fmt.Errorf("%w: unknown intent %d", ErrInvalidState, in.kind)
}

func (m *Machine) call(peer signaling.ParticipantID) error {
	if s := m.sess; s != nil {
		return fmt.Errorf("%w: %s with %s", ErrBusy, s.state, s.peer)
	}
	if m.self == "" {
		return signaling.ErrRelayUnavailable
	}
	if !roster.Contains(m.roster, m.self, peer) {
		return fmt.Errorf("%w: %q", ErrUnknownParticipant, peer)
	}

	s := m.newSession(m.opts.NewCallID(), RoleCaller, peer, StateDialing)
	neg, err := m.factory.NewCaller(s.ctx, m.local)
	if err != nil {
		s.cancel()
		return err
	}
	s.neg = neg
	m.sess = s

	go m.watch(s)
	m.startTimer(s)

	util.Stats.AddPlaced()
	util.LogInfo("[%s] calling %s", s.id, peer)
	return nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (m *Machine) newSession(id signaling.CallID, role Role, peer signaling.ParticipantID, state State) *session {
	ctx, cancel := context.WithCancel(m.ctx)
	return &session{
		id:     id,
		role:   role,
		peer:   peer,
		state:  state,
		ctx:    ctx,
		cancel: cancel,
	}
}

// current returns the active session if ev belongs to it. A zero role
// matches either side.
func (m *Machine) current(ev signaling.Event, role Role) *session {
	s := m.sess
	if s == nil || s.id != ev.CallID || s.peer != ev.From {
		return nil
	}
	if role != 0 && s.role != role {
		return nil
	}
	return s
}

func (m *Machine) stale(ev signaling.Event) {
	util.Stats.AddStale()
	util.LogDebug("%v: %s for call %q from %s", ErrStaleSignal, ev.Kind, ev.CallID, ev.From)
}

// hangupAndEnd tells the peer the call is over if it knows about it, then
// ends the session.
func (m *Machine) hangupAndEnd(s *session, reason EndReason, err error) {
	if s.peerKnows() {
		var env signaling.Envelope = signaling.Hangup{To: s.peer, CallID: s.id}
		if s.role == RoleCallee && s.neg == nil {
			env = signaling.Decline{To: s.peer, CallID: s.id, Reason: declineByUser}
		}
		if sendErr := m.relay.Send(env); sendErr != nil {
			util.LogDebug("[%s] hangup to %s not delivered: %v", s.id, s.peer, sendErr)
		}
	}
	m.end(s, reason, err)
}

// end releases everything the session holds. The session is discarded and
// the machine returns to Idle.
func (m *Machine) end(s *session, reason EndReason, err error) {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.cancel()
	if s.neg != nil {
		if cerr := s.neg.Close(); cerr != nil {
			util.LogDebug("[%s] close negotiator: %v", s.id, cerr)
		}
	}
	s.state = StateEnded
	if m.sess == s {
		m.sess = nil
	}

	util.Stats.AddEnded()
	if err != nil {
		util.LogWarning("[%s] call with %s ended (%s): %v", s.id, s.peer, reason, err)
	} else {
		util.LogInfo("[%s] call with %s ended (%s)", s.id, s.peer, reason)
	}
	m.notify(Note{Kind: NoteEnded, CallID: s.id, Peer: s.peer, Role: s.role, Reason: reason, Err: err})
}

// notify delivers n unless the machine is shutting down.
func (m *Machine) notify(n Note) {
	select {
	case m.notes <- n:
		return
	default:
	}
	if m.stopping {
		util.LogDebug("dropping %s notification during shutdown", n.Kind)
		return
	}
	select {
	case m.notes <- n:
	case <-m.ctx.Done():
		util.LogDebug("dropping %s notification during shutdown", n.Kind)
	}
}

func (m *Machine) publish() {
	snap := Snapshot{
		Self:    m.self,
		Visible: roster.Visible(m.roster, m.self),
		State:   StateIdle,
	}
	if s := m.sess; s != nil {
		snap.State = s.state
		snap.Role = s.role
		snap.CallID = s.id
		snap.Peer = s.peer
	}

	m.snapMu.Lock()
	m.snap = snap
	m.snapMu.Unlock()
}
