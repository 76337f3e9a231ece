package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/peercall/internal/util"
)

var (
	// ErrRelayUnavailable is returned when the relay cannot be reached.
	ErrRelayUnavailable = errors.New("relay unavailable")
	// ErrNotConnected is returned by Send while the client is reconnecting.
	ErrNotConnected = errors.New("relay not connected")
)

// EventKind identifies a relay event.
type EventKind int

const (
	EventIdentity EventKind = iota + 1
	EventRoster
	EventInvite
	EventAccepted
	EventDeclined
	EventHangup
	EventDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventIdentity:
		return "identity"
	case EventRoster:
		return "roster"
	case EventInvite:
		return "invite"
	case EventAccepted:
		return "accepted"
	case EventDeclined:
		return "declined"
	case EventHangup:
		return "hangup"
	case EventDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is something the relay told us. Which fields are set depends on Kind:
//
//	EventIdentity     ID
//	EventRoster       Roster
//	EventInvite       From, CallID, Signal (the offer)
//	EventAccepted     From, CallID, Signal (the answer)
//	EventDeclined     From, CallID, Reason
//	EventHangup       From, CallID
//	EventDisconnected Err
type Event struct {
	Kind   EventKind
	ID     ParticipantID
	Roster Roster
	From   ParticipantID
	CallID CallID
	Signal Blob
	Reason string
	Err    error
}

// Options tunes a Client. Zero values select the defaults.
type Options struct {
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	Dialer       *websocket.Dialer
	EventBuffer  int
}

func (o Options) withDefaults() Options {
	if o.ReconnectMin <= 0 {
		o.ReconnectMin = 250 * time.Millisecond
	}
	if o.ReconnectMax < o.ReconnectMin {
		o.ReconnectMax = 5 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 64
	}
	return o
}

// Client keeps a connection to the relay open, reconnecting when it drops,
// and reports everything the relay sends on a single event channel.
//
// A reconnect yields a fresh identity; callers must treat EventDisconnected
// as the end of anything tied to the previous identity.
type Client struct {
	url  string
	opts Options

	events chan Event
	done   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	conn   *websocket.Conn
	snd    *sender
	self   ParticipantID
	roster Roster
}

// Connect dials the relay and starts the receive loop. It fails with
// ErrRelayUnavailable if the first dial does not succeed; later drops are
// handled by reconnecting in the background until ctx is cancelled or Close
// is called.
func Connect(ctx context.Context, url string, opts Options) (*Client, error) {
	opts = opts.withDefaults()

	conn, err := dial(ctx, opts.Dialer, url)
	if err != nil {
		return nil, err
	}

	cCtx, cCancel := context.WithCancel(ctx)
	c := &Client{
		url:    url,
		opts:   opts,
		events: make(chan Event, opts.EventBuffer),
		done:   make(chan struct{}),
		ctx:    cCtx,
		cancel: cCancel,
	}
	c.attach(conn)

	// Cancelling the context unblocks the reader by closing the socket.
	context.AfterFunc(cCtx, c.closeConn)

	go c.run(conn)
	return c, nil
}

// Events returns the channel every relay event is delivered on, in receipt
// order. It is closed after Close (or ctx cancellation) once the receive loop
// has exited.
func (c *Client) Events() <-chan Event {
	return c.events
}

// ID returns the identity assigned on the current connection, or "" while
// none has been assigned.
func (c *Client) ID() ParticipantID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.self
}

// Roster returns a copy of the latest roster snapshot.
func (c *Client) Roster() Roster {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.roster.Clone()
}

// Send forwards env to the relay. Delivery is best effort; there is no
// acknowledgement.
func (c *Client) Send(env Envelope) error {
	c.mu.RLock()
	snd := c.snd
	c.mu.RUnlock()

	if snd == nil {
		return ErrNotConnected
	}

	msg := env.message()
	if err := snd.send(msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	util.LogDebug("relay ← %s (call %s)", msg.Type, msg.CallID)
	return nil
}

// Close stops reconnecting, closes the connection and waits for the receive
// loop to exit. It is safe to call more than once.
func (c *Client) Close() error {
	c.cancel()
	<-c.done
	return nil
}

// Done is closed once the client has fully shut down.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// ---------------------------------------------------------------------------
// Connection lifecycle
// ---------------------------------------------------------------------------

// run serves one connection at a time until the client is closed.
func (c *Client) run(conn *websocket.Conn) {
	defer close(c.done)
	defer close(c.events)

	for {
		err := c.serve(conn)
		c.detach()

		if c.ctx.Err() != nil {
			return
		}
		util.LogWarning("relay connection lost: %v", err)
		if !c.emit(Event{Kind: EventDisconnected, Err: err}) {
			return
		}

		conn = c.redial()
		if conn == nil {
			return
		}
		c.attach(conn)
		if c.ctx.Err() != nil {
			c.detach()
			return
		}
		util.LogInfo("relay reconnected: %s", c.url)
	}
}

// serve reads frames from conn until it fails. Only the first identity frame
// of a connection is honoured, and nothing else is forwarded before it.
func (c *Client) serve(conn *websocket.Conn) error {
	identified := false

	r := newReceiver(conn, func(msg message) {
		if msg.Type == msgTypeIdentity {
			if identified {
				util.LogWarning("ignoring repeated identity %q", msg.ID)
				return
			}
			identified = true
			c.mu.Lock()
			c.self = msg.ID
			c.mu.Unlock()
			c.emit(Event{Kind: EventIdentity, ID: msg.ID})
			return
		}

		if !identified {
			util.LogWarning("dropping %s frame received before identity", msg.Type)
			return
		}
		c.dispatch(msg)
	})

	return r.watch()
}

// dispatch turns one post-identity frame into an event.
func (c *Client) dispatch(msg message) {
	switch msg.Type {
	case msgTypeRoster:
		roster := msg.Users.Clone()
		c.mu.Lock()
		c.roster = roster
		c.mu.Unlock()
		c.emit(Event{Kind: EventRoster, Roster: roster.Clone()})

	case msgTypeIncoming:
		c.emit(Event{Kind: EventInvite, From: msg.From, CallID: msg.CallID, Signal: msg.Signal})

	case msgTypeAccepted:
		c.emit(Event{Kind: EventAccepted, From: msg.From, CallID: msg.CallID, Signal: msg.Signal})

	case msgTypeDeclined:
		c.emit(Event{Kind: EventDeclined, From: msg.From, CallID: msg.CallID, Reason: msg.Reason})

	case msgTypeHangup:
		c.emit(Event{Kind: EventHangup, From: msg.From, CallID: msg.CallID})

	default:
		util.LogDebug("ignoring unknown relay frame %q", msg.Type)
	}
}

// emit delivers ev unless the client is shutting down. Delivery blocks rather
// than drops so that ordering and completeness hold.
func (c *Client) emit(ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// redial retries the relay with a doubling backoff. It returns nil once the
// client is closed.
func (c *Client) redial() *websocket.Conn {
	backoff := c.opts.ReconnectMin
	for {
		select {
		case <-c.ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		conn, err := dial(c.ctx, c.opts.Dialer, c.url)
		if err == nil {
			return conn
		}
		util.LogDebug("relay redial failed (next in %s): %v", backoff, err)

		if backoff < c.opts.ReconnectMax {
			backoff = min(backoff*2, c.opts.ReconnectMax)
		}
	}
}

func (c *Client) attach(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.snd = newSender(conn)
	c.mu.Unlock()
}

// detach forgets the current connection together with the identity and
// roster that belonged to it.
func (c *Client) detach() {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = nil
	c.snd = nil
	c.self = ""
	c.roster = nil
	c.mu.Unlock()
}

func (c *Client) closeConn() {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn != nil {
		conn.Close()
	}
}

// dial opens a WebSocket to the relay.
func dial(ctx context.Context, dialer *websocket.Dialer, url string) (*websocket.Conn, error) {
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRelayUnavailable, err)
	}
	return conn, nil
}
