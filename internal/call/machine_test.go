package call

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/1ureka/peercall/internal/signaling"
	"github.com/1ureka/peercall/internal/transport"
	"github.com/1ureka/peercall/internal/util"
)

const waitTimeout = 2 * time.Second

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeRelay struct {
	events chan signaling.Event
	sent   chan signaling.Envelope

	mu      sync.Mutex
	sendErr error
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{
		events: make(chan signaling.Event, 32),
		sent:   make(chan signaling.Envelope, 32),
	}
}

func (r *fakeRelay) Events() <-chan signaling.Event { return r.events }

func (r *fakeRelay) Send(env signaling.Envelope) error {
	r.mu.Lock()
	err := r.sendErr
	r.mu.Unlock()
	if err != nil {
		return err
	}
	r.sent <- env
	return nil
}

type fakeNegotiator struct {
	role  Role
	offer signaling.Blob

	signal chan signaling.Blob
	stream chan *transport.RemoteStream
	failed chan error

	mu        sync.Mutex
	applied   []signaling.Blob
	closed    bool
	acceptErr error
}

func newFakeNegotiator(role Role, offer signaling.Blob) *fakeNegotiator {
	return &fakeNegotiator{
		role:   role,
		offer:  offer,
		signal: make(chan signaling.Blob, 1),
		stream: make(chan *transport.RemoteStream, 1),
		failed: make(chan error, 1),
	}
}

func (n *fakeNegotiator) Signal() <-chan signaling.Blob          { return n.signal }
func (n *fakeNegotiator) Stream() <-chan *transport.RemoteStream { return n.stream }
func (n *fakeNegotiator) Failed() <-chan error                   { return n.failed }

func (n *fakeNegotiator) AcceptRemoteSignal(blob signaling.Blob) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return transport.ErrClosed
	}
	if n.acceptErr != nil {
		return n.acceptErr
	}
	n.applied = append(n.applied, blob)
	return nil
}

func (n *fakeNegotiator) Close() error {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	return nil
}

func (n *fakeNegotiator) isClosed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

func (n *fakeNegotiator) appliedSignals() []signaling.Blob {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]signaling.Blob(nil), n.applied...)
}

type fakeFactory struct {
	created chan *fakeNegotiator

	mu  sync.Mutex
	err error
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{created: make(chan *fakeNegotiator, 8)}
}

func (f *fakeFactory) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeFactory) make(role Role, local *transport.LocalStream, offer signaling.Blob) (Negotiator, error) {
	f.mu.Lock()
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if local == nil {
		return nil, fmt.Errorf("%w: %w", transport.ErrNegotiation, transport.ErrNoLocalMedia)
	}
	n := newFakeNegotiator(role, offer)
	f.created <- n
	return n, nil
}

func (f *fakeFactory) NewCaller(_ context.Context, local *transport.LocalStream) (Negotiator, error) {
	return f.make(RoleCaller, local, nil)
}

func (f *fakeFactory) NewCallee(_ context.Context, local *transport.LocalStream, offer signaling.Blob) (Negotiator, error) {
	return f.make(RoleCallee, local, offer)
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type harness struct {
	t       *testing.T
	relay   *fakeRelay
	factory *fakeFactory
	m       *Machine
	cancel  context.CancelFunc
	runErr  chan error
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()

	if opts.NewCallID == nil {
		var (
			mu sync.Mutex
			n  int
		)
		opts.NewCallID = func() signaling.CallID {
			mu.Lock()
			defer mu.Unlock()
			n++
			return signaling.CallID(fmt.Sprintf("c%d", n))
		}
	}

	h := &harness{
		t:       t,
		relay:   newFakeRelay(),
		factory: newFakeFactory(),
		runErr:  make(chan error, 1),
	}
	h.m = New(h.relay, h.factory, transport.NewLocalStream(), opts)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.runErr <- h.m.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		<-h.m.Done()
	})
	return h
}

func (h *harness) relayEvent(ev signaling.Event) {
	h.relay.events <- ev
}

// join assigns self and publishes a roster of self plus peers.
func (h *harness) join(self signaling.ParticipantID, peers ...signaling.ParticipantID) {
	h.t.Helper()
	h.relayEvent(signaling.Event{Kind: signaling.EventIdentity, ID: self})
	h.setRoster(append([]signaling.ParticipantID{self}, peers...)...)
}

func (h *harness) setRoster(ids ...signaling.ParticipantID) {
	h.t.Helper()
	r := make(signaling.Roster, len(ids))
	for _, id := range ids {
		r[id] = signaling.Participant{}
	}
	h.relayEvent(signaling.Event{Kind: signaling.EventRoster, Roster: r})
	h.note(NoteRoster)
}

// note skips notifications until one of kind arrives.
func (h *harness) note(kind NoteKind) Note {
	h.t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case n, ok := <-h.m.Notifications():
			if !ok {
				h.t.Fatalf("notifications closed while waiting for %s", kind)
			}
			if n.Kind == kind {
				return n
			}
		case <-deadline:
			h.t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func (h *harness) sent() signaling.Envelope {
	h.t.Helper()
	select {
	case env := <-h.relay.sent:
		return env
	case <-time.After(waitTimeout):
		h.t.Fatal("timed out waiting for an outbound envelope")
	}
	return nil
}

func (h *harness) nothingSent() {
	h.t.Helper()
	select {
	case env := <-h.relay.sent:
		h.t.Fatalf("unexpected envelope %#v", env)
	case <-time.After(100 * time.Millisecond):
	}
}

func (h *harness) negotiator() *fakeNegotiator {
	h.t.Helper()
	select {
	case n := <-h.factory.created:
		return n
	case <-time.After(waitTimeout):
		h.t.Fatal("timed out waiting for a negotiator")
	}
	return nil
}

func (h *harness) noNegotiator() {
	h.t.Helper()
	select {
	case n := <-h.factory.created:
		h.t.Fatalf("unexpected %s negotiator", n.role)
	case <-time.After(100 * time.Millisecond):
	}
}

// waitSnapshot polls until the snapshot satisfies pred.
func (h *harness) waitSnapshot(what string, pred func(Snapshot) bool) Snapshot {
	h.t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for {
		s := h.m.Snapshot()
		if pred(s) {
			return s
		}
		if time.Now().After(deadline) {
			h.t.Fatalf("snapshot never became %s: %+v", what, s)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (h *harness) waitState(state State) Snapshot {
	h.t.Helper()
	return h.waitSnapshot(state.String(), func(s Snapshot) bool { return s.State == state })
}

// dial calls peer and completes the invite, returning the caller negotiator.
func (h *harness) dial(peer signaling.ParticipantID) (*fakeNegotiator, signaling.Invite) {
	h.t.Helper()
	if err := h.m.Call(context.Background(), peer); err != nil {
		h.t.Fatalf("Call(%s): %v", peer, err)
	}
	n := h.negotiator()
	n.signal <- signaling.Blob(`"offer"`)
	inv, ok := h.sent().(signaling.Invite)
	if !ok {
		h.t.Fatal("first envelope is not an invite")
	}
	return n, inv
}

// connectCaller drives a call to peer all the way to Connected.
func (h *harness) connectCaller(peer signaling.ParticipantID) (*fakeNegotiator, signaling.CallID) {
	h.t.Helper()
	n, inv := h.dial(peer)
	h.relayEvent(signaling.Event{Kind: signaling.EventAccepted, From: peer, CallID: inv.CallID, Signal: signaling.Blob(`"answer"`)})
	n.stream <- nil
	h.note(NoteConnected)
	h.waitState(StateConnected)
	return n, inv.CallID
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestRosterNotifications(t *testing.T) {
	h := newHarness(t, Options{})

	h.relayEvent(signaling.Event{Kind: signaling.EventIdentity, ID: "x1"})
	h.relayEvent(signaling.Event{Kind: signaling.EventRoster, Roster: signaling.Roster{"x1": {}, "y1": {}}})

	n := h.note(NoteRoster)
	if n.Self != "x1" || !slices.Equal(n.Visible, []signaling.ParticipantID{"y1"}) {
		t.Fatalf("roster note = %+v, want self x1 visible [y1]", n)
	}

	// Each snapshot replaces the previous one.
	h.relayEvent(signaling.Event{Kind: signaling.EventRoster, Roster: signaling.Roster{"x1": {}, "z1": {}}})
	n = h.note(NoteRoster)
	if !slices.Equal(n.Visible, []signaling.ParticipantID{"z1"}) {
		t.Fatalf("visible = %v, want [z1]", n.Visible)
	}

	s := h.waitSnapshot("z1 visible", func(s Snapshot) bool { return slices.Equal(s.Visible, n.Visible) })
	if s.Self != "x1" || s.State != StateIdle {
		t.Errorf("snapshot = %+v", s)
	}
}

func TestCallerConnects(t *testing.T) {
	h := newHarness(t, Options{})
	h.join("x1", "y1")

	if err := h.m.Call(context.Background(), "y1"); err != nil {
		t.Fatalf("Call: %v", err)
	}
	s := h.m.Snapshot()
	if s.State != StateDialing || s.Peer != "y1" || s.Role != RoleCaller || s.CallID != "c1" {
		t.Fatalf("snapshot after Call = %+v", s)
	}

	n := h.negotiator()
	if n.role != RoleCaller {
		t.Fatalf("negotiator role = %s", n.role)
	}

	// Nothing goes out before the offer is complete.
	h.nothingSent()
	n.signal <- signaling.Blob(`"offer"`)
	inv, ok := h.sent().(signaling.Invite)
	if !ok {
		t.Fatal("expected an invite")
	}
	if inv.To != "y1" || inv.From != "x1" || inv.CallID != "c1" || string(inv.Offer) != `"offer"` {
		t.Fatalf("invite = %+v", inv)
	}

	h.relayEvent(signaling.Event{Kind: signaling.EventAccepted, From: "y1", CallID: "c1", Signal: signaling.Blob(`"answer"`)})
	waitFor(t, func() bool { return len(n.appliedSignals()) == 1 })
	if got := n.appliedSignals()[0]; string(got) != `"answer"` {
		t.Fatalf("applied %s, want answer", got)
	}
	if st := h.m.Snapshot().State; st != StateDialing {
		t.Fatalf("state before remote stream = %s, want dialing", st)
	}

	n.stream <- nil
	note := h.note(NoteConnected)
	if note.CallID != "c1" || note.Peer != "y1" || note.Role != RoleCaller {
		t.Fatalf("connected note = %+v", note)
	}
	h.waitState(StateConnected)
}

func TestCalleeConnects(t *testing.T) {
	h := newHarness(t, Options{})
	h.join("y1", "x1")

	h.relayEvent(signaling.Event{Kind: signaling.EventInvite, From: "x1", CallID: "k1", Signal: signaling.Blob(`"offer"`)})
	ring := h.note(NoteRinging)
	if ring.Peer != "x1" || ring.CallID != "k1" {
		t.Fatalf("ringing note = %+v", ring)
	}
	s := h.waitState(StateRinging)
	if s.Role != RoleCallee || s.Peer != "x1" {
		t.Fatalf("snapshot = %+v", s)
	}

	// Ringing engages no media.
	h.noNegotiator()

	if err := h.m.Accept(context.Background()); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	n := h.negotiator()
	if n.role != RoleCallee || string(n.offer) != `"offer"` {
		t.Fatalf("callee negotiator = %s seeded with %s", n.role, n.offer)
	}

	// A second accept or a decline after accepting is refused.
	if err := h.m.Accept(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second Accept = %v, want ErrInvalidState", err)
	}
	if err := h.m.Decline(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Decline after Accept = %v, want ErrInvalidState", err)
	}

	n.signal <- signaling.Blob(`"answer"`)
	acc, ok := h.sent().(signaling.Accept)
	if !ok {
		t.Fatal("expected an accept")
	}
	if acc.To != "x1" || acc.CallID != "k1" || string(acc.Answer) != `"answer"` {
		t.Fatalf("accept = %+v", acc)
	}

	n.stream <- nil
	h.note(NoteConnected)
	h.waitState(StateConnected)
}

// TestSecondCallRejected covers a call attempt while already dialing.
func TestSecondCallRejected(t *testing.T) {
	h := newHarness(t, Options{})
	h.join("x1", "y1", "y2")

	h.dial("y1")

	err := h.m.Call(context.Background(), "y2")
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("second Call = %v, want ErrBusy", err)
	}
	s := h.m.Snapshot()
	if s.State != StateDialing || s.Peer != "y1" {
		t.Fatalf("snapshot = %+v, want dialing y1", s)
	}
	h.noNegotiator()
	h.nothingSent()
}

func TestBusyInviteAutoDeclined(t *testing.T) {
	testCases := []struct {
		name  string
		setup func(h *harness)
		state State
	}{
		{
			name:  "dialing",
			setup: func(h *harness) { h.dial("y1") },
			state: StateDialing,
		},
		{
			name: "ringing",
			setup: func(h *harness) {
				h.relayEvent(signaling.Event{Kind: signaling.EventInvite, From: "y1", CallID: "k1", Signal: signaling.Blob(`"offer"`)})
				h.note(NoteRinging)
			},
			state: StateRinging,
		},
		{
			name:  "connected",
			setup: func(h *harness) { h.connectCaller("y1") },
			state: StateConnected,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, Options{})
			h.join("x1", "y1", "y2")
			tc.setup(h)
			before := h.waitState(tc.state)
			rejected := util.Stats.CallsRejected.Load()

			h.relayEvent(signaling.Event{Kind: signaling.EventInvite, From: "y2", CallID: "k9", Signal: signaling.Blob(`"offer"`)})

			dec, ok := h.sent().(signaling.Decline)
			if !ok || dec.To != "y2" || dec.CallID != "k9" || dec.Reason != "busy" {
				t.Fatalf("sent %#v, want busy decline to y2", dec)
			}
			n := h.note(NoteRejected)
			if n.Peer != "y2" || n.CallID != "k9" {
				t.Fatalf("rejected note = %+v", n)
			}

			after := h.m.Snapshot()
			if after.State != before.State || after.Peer != before.Peer || after.CallID != before.CallID {
				t.Fatalf("active session changed: %+v -> %+v", before, after)
			}
			if util.Stats.CallsRejected.Load() <= rejected {
				t.Error("rejection not counted")
			}
		})
	}
}

func TestStaleSignalsDropped(t *testing.T) {
	h := newHarness(t, Options{})
	h.join("x1", "y1", "y2")

	n, inv := h.dial("y1")
	stale := util.Stats.StaleSignals.Load()

	// Wrong call id, wrong sender, and a decline for another call.
	h.relayEvent(signaling.Event{Kind: signaling.EventAccepted, From: "y1", CallID: "other", Signal: signaling.Blob(`"answer"`)})
	h.relayEvent(signaling.Event{Kind: signaling.EventAccepted, From: "y2", CallID: inv.CallID, Signal: signaling.Blob(`"answer"`)})
	h.relayEvent(signaling.Event{Kind: signaling.EventDeclined, From: "y1", CallID: "other", Reason: "busy"})
	h.relayEvent(signaling.Event{Kind: signaling.EventHangup, From: "y2", CallID: inv.CallID})

	waitFor(t, func() bool { return util.Stats.StaleSignals.Load() >= stale+4 })
	if got := n.appliedSignals(); len(got) != 0 {
		t.Fatalf("stale answers applied: %s", got)
	}
	if s := h.m.Snapshot(); s.State != StateDialing || s.CallID != inv.CallID {
		t.Fatalf("snapshot = %+v", s)
	}

	// An answer for a call that already ended changes nothing.
	if err := h.m.Hangup(context.Background()); err != nil {
		t.Fatalf("Hangup: %v", err)
	}
	if _, ok := h.sent().(signaling.Hangup); !ok {
		t.Fatal("expected a hangup")
	}
	h.note(NoteEnded)
	before := h.m.Snapshot()

	h.relayEvent(signaling.Event{Kind: signaling.EventAccepted, From: "y1", CallID: inv.CallID, Signal: signaling.Blob(`"answer"`)})
	waitFor(t, func() bool { return util.Stats.StaleSignals.Load() >= stale+5 })

	after := h.m.Snapshot()
	if after.State != StateIdle || !slices.Equal(after.Visible, before.Visible) {
		t.Fatalf("snapshot changed after stale answer: %+v -> %+v", before, after)
	}
	if got := n.appliedSignals(); len(got) != 0 {
		t.Fatalf("closed negotiator received %s", got)
	}
	h.nothingSent()
}

func TestLateNegotiatorResultsIgnored(t *testing.T) {
	h := newHarness(t, Options{})
	h.join("x1", "y1")

	if err := h.m.Call(context.Background(), "y1"); err != nil {
		t.Fatalf("Call: %v", err)
	}
	n := h.negotiator()

	// Hang up before the offer is ready; the peer never heard of the call.
	if err := h.m.Hangup(context.Background()); err != nil {
		t.Fatalf("Hangup: %v", err)
	}
	ended := h.note(NoteEnded)
	if ended.Reason != EndHangup {
		t.Fatalf("reason = %s", ended.Reason)
	}
	if !n.isClosed() {
		t.Fatal("negotiator not closed")
	}

	n.signal <- signaling.Blob(`"offer"`)
	n.stream <- nil
	h.nothingSent()
	if s := h.m.Snapshot(); s.State != StateIdle {
		t.Fatalf("state = %s, want idle", s.State)
	}
}

// TestRelayDropEndsCall covers a connected call losing the relay.
func TestRelayDropEndsCall(t *testing.T) {
	h := newHarness(t, Options{})
	h.join("x1", "y1")
	n, id := h.connectCaller("y1")

	h.relayEvent(signaling.Event{Kind: signaling.EventDisconnected, Err: errors.New("connection reset")})

	ended := h.note(NoteEnded)
	if ended.CallID != id || ended.Reason != EndRelayLost {
		t.Fatalf("ended note = %+v", ended)
	}
	if !errors.Is(ended.Err, signaling.ErrRelayUnavailable) {
		t.Errorf("err = %v, want ErrRelayUnavailable", ended.Err)
	}
	if !n.isClosed() {
		t.Error("negotiator not released")
	}

	s := h.waitState(StateIdle)
	if s.Self != "" || len(s.Visible) != 0 {
		t.Errorf("identity survived disconnect: %+v", s)
	}

	// No identity, no calls.
	if err := h.m.Call(context.Background(), "y1"); !errors.Is(err, signaling.ErrRelayUnavailable) {
		t.Errorf("Call while disconnected = %v, want ErrRelayUnavailable", err)
	}
}

func TestDecline(t *testing.T) {
	h := newHarness(t, Options{})
	h.join("y1", "x1")

	if err := h.m.Decline(context.Background()); !errors.Is(err, ErrNoCall) {
		t.Fatalf("Decline while idle = %v, want ErrNoCall", err)
	}

	h.relayEvent(signaling.Event{Kind: signaling.EventInvite, From: "x1", CallID: "k1", Signal: signaling.Blob(`"offer"`)})
	h.note(NoteRinging)

	if err := h.m.Decline(context.Background()); err != nil {
		t.Fatalf("Decline: %v", err)
	}
	dec, ok := h.sent().(signaling.Decline)
	if !ok || dec.To != "x1" || dec.CallID != "k1" || dec.Reason != "declined" {
		t.Fatalf("sent %#v, want decline to x1", dec)
	}
	ended := h.note(NoteEnded)
	if ended.Reason != EndDeclined {
		t.Fatalf("reason = %s", ended.Reason)
	}
	h.waitState(StateIdle)
	h.noNegotiator()
}

func TestRemoteDecline(t *testing.T) {
	h := newHarness(t, Options{})
	h.join("x1", "y1")
	n, inv := h.dial("y1")

	h.relayEvent(signaling.Event{Kind: signaling.EventDeclined, From: "y1", CallID: inv.CallID, Reason: "busy"})
	ended := h.note(NoteEnded)
	if ended.Reason != EndRemoteDeclined {
		t.Fatalf("reason = %s", ended.Reason)
	}
	if !n.isClosed() {
		t.Error("negotiator not closed")
	}
	h.nothingSent()
}

func TestRemoteHangup(t *testing.T) {
	h := newHarness(t, Options{})
	h.join("x1", "y1")
	n, id := h.connectCaller("y1")

	h.relayEvent(signaling.Event{Kind: signaling.EventHangup, From: "y1", CallID: id})
	ended := h.note(NoteEnded)
	if ended.Reason != EndRemoteHangup {
		t.Fatalf("reason = %s", ended.Reason)
	}
	if !n.isClosed() {
		t.Error("negotiator not closed")
	}
	h.waitState(StateIdle)
	h.nothingSent()

	// A fresh call gets a fresh id.
	_, inv := h.dial("y1")
	if inv.CallID == id {
		t.Fatalf("call id %s reused", id)
	}
}

func TestInviteTimeout(t *testing.T) {
	h := newHarness(t, Options{InviteTimeout: 200 * time.Millisecond})
	h.join("x1", "y1")
	n, inv := h.dial("y1")

	hup, ok := h.sent().(signaling.Hangup)
	if !ok || hup.To != "y1" || hup.CallID != inv.CallID {
		t.Fatalf("sent %#v, want hangup", hup)
	}
	ended := h.note(NoteEnded)
	if ended.Reason != EndTimeout {
		t.Fatalf("reason = %s", ended.Reason)
	}
	if !n.isClosed() {
		t.Error("negotiator not closed")
	}
}

func TestTimeoutDoesNotEndConnectedCall(t *testing.T) {
	h := newHarness(t, Options{InviteTimeout: 300 * time.Millisecond})
	h.join("x1", "y1")
	h.connectCaller("y1")

	time.Sleep(500 * time.Millisecond)
	if s := h.m.Snapshot(); s.State != StateConnected {
		t.Fatalf("state = %s, want connected", s.State)
	}
	h.nothingSent()
}

func TestNegotiationFailure(t *testing.T) {
	h := newHarness(t, Options{})
	h.join("x1", "y1")
	n, inv := h.dial("y1")

	boom := fmt.Errorf("%w: ice failed", transport.ErrNegotiation)
	n.failed <- boom

	hup, ok := h.sent().(signaling.Hangup)
	if !ok || hup.CallID != inv.CallID {
		t.Fatalf("sent %#v, want hangup", hup)
	}
	ended := h.note(NoteEnded)
	if ended.Reason != EndFailed || !errors.Is(ended.Err, transport.ErrNegotiation) {
		t.Fatalf("ended note = %+v", ended)
	}
}

func TestBadAnswerEndsCall(t *testing.T) {
	h := newHarness(t, Options{})
	h.join("x1", "y1")
	n, inv := h.dial("y1")
	n.mu.Lock()
	n.acceptErr = transport.ErrNegotiation
	n.mu.Unlock()

	h.relayEvent(signaling.Event{Kind: signaling.EventAccepted, From: "y1", CallID: inv.CallID, Signal: signaling.Blob(`garbage`)})
	if _, ok := h.sent().(signaling.Hangup); !ok {
		t.Fatal("expected a hangup")
	}
	ended := h.note(NoteEnded)
	if ended.Reason != EndFailed || !errors.Is(ended.Err, transport.ErrNegotiation) {
		t.Fatalf("ended note = %+v", ended)
	}
}

func TestCallPreconditions(t *testing.T) {
	h := newHarness(t, Options{})

	if err := h.m.Call(context.Background(), "y1"); !errors.Is(err, signaling.ErrRelayUnavailable) {
		t.Errorf("Call before identity = %v, want ErrRelayUnavailable", err)
	}

	h.join("x1", "y1")

	testCases := []struct {
		name string
		peer signaling.ParticipantID
		want error
	}{
		{"unknown", "ghost", ErrUnknownParticipant},
		{"self", "x1", ErrUnknownParticipant},
		{"empty", "", ErrUnknownParticipant},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if err := h.m.Call(context.Background(), tc.peer); !errors.Is(err, tc.want) {
				t.Fatalf("Call(%q) = %v, want %v", tc.peer, err, tc.want)
			}
		})
	}

	for _, fn := range []func(context.Context) error{h.m.Accept, h.m.Decline, h.m.Hangup} {
		if err := fn(context.Background()); !errors.Is(err, ErrNoCall) {
			t.Errorf("intent while idle = %v, want ErrNoCall", err)
		}
	}
	if s := h.m.Snapshot(); s.State != StateIdle {
		t.Fatalf("state = %s, want idle", s.State)
	}
}

func TestNoLocalMedia(t *testing.T) {
	relay := newFakeRelay()
	factory := newFakeFactory()
	m := New(relay, factory, nil, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	relay.events <- signaling.Event{Kind: signaling.EventIdentity, ID: "x1"}
	relay.events <- signaling.Event{Kind: signaling.EventRoster, Roster: signaling.Roster{"x1": {}, "y1": {}}}
	waitFor(t, func() bool { return len(m.Snapshot().Visible) == 1 })

	// Roster browsing works; calling does not.
	if err := m.Call(ctx, "y1"); !errors.Is(err, transport.ErrNoLocalMedia) {
		t.Fatalf("Call = %v, want ErrNoLocalMedia", err)
	}
	if s := m.Snapshot(); s.State != StateIdle {
		t.Fatalf("state = %s, want idle", s.State)
	}

	// Accepting fails too and the caller is told.
	relay.events <- signaling.Event{Kind: signaling.EventInvite, From: "y1", CallID: "k1", Signal: signaling.Blob(`"offer"`)}
	waitFor(t, func() bool { return m.Snapshot().State == StateRinging })
	if err := m.Accept(ctx); !errors.Is(err, transport.ErrNoLocalMedia) {
		t.Fatalf("Accept = %v, want ErrNoLocalMedia", err)
	}
	select {
	case env := <-relay.sent:
		if dec, ok := env.(signaling.Decline); !ok || dec.CallID != "k1" {
			t.Fatalf("sent %#v, want decline", env)
		}
	case <-time.After(waitTimeout):
		t.Fatal("no decline sent")
	}
	waitFor(t, func() bool { return m.Snapshot().State == StateIdle })
}

func TestPeerLeavesWhileRinging(t *testing.T) {
	h := newHarness(t, Options{})
	h.join("y1", "x1")

	h.relayEvent(signaling.Event{Kind: signaling.EventInvite, From: "x1", CallID: "k1", Signal: signaling.Blob(`"offer"`)})
	h.note(NoteRinging)

	h.relayEvent(signaling.Event{Kind: signaling.EventRoster, Roster: signaling.Roster{"y1": {}}})
	ended := h.note(NoteEnded)
	if ended.Reason != EndPeerLeft {
		t.Fatalf("reason = %s", ended.Reason)
	}
	h.waitState(StateIdle)
}

func TestShutdownHangsUp(t *testing.T) {
	h := newHarness(t, Options{})
	h.join("x1", "y1")
	n, id := h.connectCaller("y1")

	h.cancel()
	select {
	case err := <-h.runErr:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run = %v", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("Run did not return")
	}

	hup, ok := h.sent().(signaling.Hangup)
	if !ok || hup.CallID != id {
		t.Fatalf("sent %#v, want hangup", hup)
	}
	if !n.isClosed() {
		t.Error("negotiator not closed")
	}

	if err := h.m.Call(context.Background(), "y1"); !errors.Is(err, ErrStopped) {
		t.Errorf("Call after stop = %v, want ErrStopped", err)
	}
	for range h.m.Notifications() {
	}
	if err := h.m.Run(context.Background()); err == nil {
		t.Error("second Run succeeded")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFactoryAndSendErrors(t *testing.T) {
	h := newHarness(t, Options{})
	h.join("x1", "y1")

	boom := errors.New("no peer connection")
	h.factory.setErr(boom)
	if err := h.m.Call(context.Background(), "y1"); !errors.Is(err, boom) {
		t.Fatalf("Call = %v, want factory error", err)
	}
	if s := h.m.Snapshot(); s.State != StateIdle {
		t.Fatalf("state = %s, want idle", s.State)
	}
	h.factory.setErr(nil)

	// The invite cannot be delivered: the call ends without a hangup.
	h.relay.mu.Lock()
	h.relay.sendErr = signaling.ErrNotConnected
	h.relay.mu.Unlock()

	if err := h.m.Call(context.Background(), "y1"); err != nil {
		t.Fatalf("Call: %v", err)
	}
	n := h.negotiator()
	n.signal <- signaling.Blob(`"offer"`)

	ended := h.note(NoteEnded)
	if ended.Reason != EndFailed || !errors.Is(ended.Err, signaling.ErrNotConnected) {
		t.Fatalf("ended note = %+v", ended)
	}
	if !n.isClosed() {
		t.Error("negotiator not closed")
	}
}
