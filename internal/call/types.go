package call

import (
	"context"
	"fmt"

	"github.com/1ureka/peercall/internal/signaling"
	"github.com/1ureka/peercall/internal/transport"
)

// Relay is the only surface the machine needs from the relay connection.
// *signaling.Client satisfies it.
type Relay interface {
	Send(env signaling.Envelope) error
	Events() <-chan signaling.Event
}

// Negotiator is one single-shot negotiation attempt.
// *transport.Negotiator satisfies it.
type Negotiator interface {
	Signal() <-chan signaling.Blob
	Stream() <-chan *transport.RemoteStream
	Failed() <-chan error
	AcceptRemoteSignal(blob signaling.Blob) error
	Close() error
}

// NegotiatorFactory builds the negotiator for each side of a call. Negotiators
// are closed when ctx is cancelled.
type NegotiatorFactory interface {
	NewCaller(ctx context.Context, local *transport.LocalStream) (Negotiator, error)
	NewCallee(ctx context.Context, local *transport.LocalStream, offer signaling.Blob) (Negotiator, error)
}

// NewFactory adapts a transport factory to NegotiatorFactory.
func NewFactory(f *transport.Factory) NegotiatorFactory {
	return transportFactory{f: f}
}

type transportFactory struct {
	f *transport.Factory
}

func (t transportFactory) NewCaller(ctx context.Context, local *transport.LocalStream) (Negotiator, error) {
	n, err := t.f.NewCaller(ctx, local)
	if err != nil {
		return nil, err
	}
	return n, nil
}

func (t transportFactory) NewCallee(ctx context.Context, local *transport.LocalStream, offer signaling.Blob) (Negotiator, error) {
	n, err := t.f.NewCallee(ctx, local, offer)
	if err != nil {
		return nil, err
	}
	return n, nil
}

// State is where the current call stands.
type State int

const (
	StateIdle State = iota
	StateDialing
	StateRinging
	StateConnected
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDialing:
		return "dialing"
	case StateRinging:
		return "ringing"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Role is the side of the call this client plays.
type Role int

const (
	RoleCaller Role = iota + 1
	RoleCallee
)

func (r Role) String() string {
	switch r {
	case RoleCaller:
		return "caller"
	case RoleCallee:
		return "callee"
	default:
		return "none"
	}
}

// EndReason says why a call ended.
type EndReason string

const (
	EndHangup         EndReason = "hangup"
	EndRemoteHangup   EndReason = "remote-hangup"
	EndDeclined       EndReason = "declined"
	EndRemoteDeclined EndReason = "remote-declined"
	EndTimeout        EndReason = "timeout"
	EndPeerLeft       EndReason = "peer-left"
	EndRelayLost      EndReason = "relay-disconnected"
	EndFailed         EndReason = "negotiation-failed"
	EndShutdown       EndReason = "shutdown"
)

// Decline reasons sent to the caller.
const (
	declineBusy     = "busy"
	declineByUser   = "declined"
	declineByFailed = "negotiation-failed"
)

// NoteKind identifies a notification.
type NoteKind int

const (
	NoteRoster NoteKind = iota + 1
	NoteRinging
	NoteConnected
	NoteEnded
	NoteRejected
)

func (k NoteKind) String() string {
	switch k {
	case NoteRoster:
		return "roster"
	case NoteRinging:
		return "ringing"
	case NoteConnected:
		return "connected"
	case NoteEnded:
		return "ended"
	case NoteRejected:
		return "rejected"
	default:
		return fmt.Sprintf("note(%d)", int(k))
	}
}

// Note is what the machine tells its user. Which fields are set depends on
// Kind:
//
//	NoteRoster    Self, Visible
//	NoteRinging   CallID, Peer
//	NoteConnected CallID, Peer, Role, Stream
//	NoteEnded     CallID, Peer, Role, Reason, Err
//	NoteRejected  CallID, Peer (an invite auto-declined because we were busy)
type Note struct {
	Kind    NoteKind
	Self    signaling.ParticipantID
	Visible []signaling.ParticipantID
	CallID  signaling.CallID
	Peer    signaling.ParticipantID
	Role    Role
	Stream  *transport.RemoteStream
	Reason  EndReason
	Err     error
}

// Snapshot is a consistent view of the machine, safe to read from any
// goroutine.
type Snapshot struct {
	Self    signaling.ParticipantID
	Visible []signaling.ParticipantID
	State   State
	Role    Role
	CallID  signaling.CallID
	Peer    signaling.ParticipantID
}
