package call

import (
	"context"
	"time"

	"github.com/1ureka/peercall/internal/signaling"
	"github.com/1ureka/peercall/internal/transport"
)

// session is the single live or pending call. It is owned by the machine's
// loop goroutine; only watch and the timer touch it from elsewhere, and they
// only read its identity.
type session struct {
	id    signaling.CallID
	role  Role
	peer  signaling.ParticipantID
	state State

	// offer is kept by the callee until the user accepts.
	offer signaling.Blob

	neg    Negotiator
	ctx    context.Context
	cancel context.CancelFunc
	timer  *time.Timer

	// invited: the caller's invite went out. answered: the caller applied the
	// answer, or the callee sent one.
	invited  bool
	answered bool
}

// peerKnows reports whether the remote end has heard of this call.
func (s *session) peerKnows() bool {
	return s.role == RoleCallee || s.invited
}

type sessionEventKind int

const (
	sessSignal sessionEventKind = iota + 1
	sessStream
	sessFailed
	sessTimeout
)

// sessionEvent is a negotiator result or timer expiry, tagged with the
// session it belongs to.
type sessionEvent struct {
	sess   *session
	kind   sessionEventKind
	blob   signaling.Blob
	stream *transport.RemoteStream
	err    error
}

// watch forwards the negotiator's one-shot results to the loop until the
// session ends.
func (m *Machine) watch(s *session) {
	signal, stream, failed := s.neg.Signal(), s.neg.Stream(), s.neg.Failed()
	for {
		select {
		case blob := <-signal:
			signal = nil
			m.post(s, sessionEvent{sess: s, kind: sessSignal, blob: blob})
		case rs := <-stream:
			stream = nil
			m.post(s, sessionEvent{sess: s, kind: sessStream, stream: rs})
		case err := <-failed:
			m.post(s, sessionEvent{sess: s, kind: sessFailed, err: err})
			return
		case <-s.ctx.Done():
			return
		}
	}
}

// startTimer arms the invite timeout for s.
func (m *Machine) startTimer(s *session) {
	if m.opts.InviteTimeout <= 0 {
		return
	}
	s.timer = time.AfterFunc(m.opts.InviteTimeout, func() {
		m.post(s, sessionEvent{sess: s, kind: sessTimeout})
	})
}

func (m *Machine) post(s *session, ev sessionEvent) {
	select {
	case m.internal <- ev:
	case <-s.ctx.Done():
	}
}
