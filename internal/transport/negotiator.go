// Package transport wraps a pion PeerConnection into a single-shot,
// non-trickle call negotiation: one offer, one answer, then live media.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peercall/internal/signaling"
	"github.com/1ureka/peercall/internal/util"
)

var (
	// ErrNegotiation covers malformed or incompatible signals and failed
	// connections.
	ErrNegotiation = errors.New("negotiation error")
	// ErrNoLocalMedia is wrapped in ErrNegotiation when no local stream is
	// available to attach.
	ErrNoLocalMedia = errors.New("local media unavailable")
	// ErrClosed is returned when a negotiator is used after Close.
	ErrClosed = errors.New("negotiator closed")
)

const defaultGatherTimeout = 10 * time.Second

// Mode selects which side of the exchange a negotiator plays.
type Mode int

const (
	// ModeCaller produces an offer and consumes an answer.
	ModeCaller Mode = iota
	// ModeCallee consumes an offer and produces an answer.
	ModeCallee
)

func (m Mode) String() string {
	if m == ModeCaller {
		return "caller"
	}
	return "callee"
}

// Config is shared by every negotiator a Factory builds.
type Config struct {
	API         *webrtc.API
	STUNServers []string
	// GatherTimeout bounds ICE gathering. When it fires, the signal is sent
	// with whatever candidates were found.
	GatherTimeout time.Duration
}

// Factory builds negotiators with a common configuration.
type Factory struct {
	cfg Config
}

// NewFactory validates cfg and returns a Factory. A nil API gets the default.
func NewFactory(cfg Config) (*Factory, error) {
	if cfg.API == nil {
		api, err := NewAPI(APIOptions{})
		if err != nil {
			return nil, err
		}
		cfg.API = api
	}
	if cfg.GatherTimeout <= 0 {
		cfg.GatherTimeout = defaultGatherTimeout
	}
	return &Factory{cfg: cfg}, nil
}

// NewCaller starts an outbound negotiation. The offer is delivered on
// Signal once ICE gathering has finished.
func (f *Factory) NewCaller(ctx context.Context, local *LocalStream) (*Negotiator, error) {
	n, err := newNegotiator(ctx, ModeCaller, local, f.cfg)
	if err != nil {
		return nil, err
	}
	go n.produce(func() (webrtc.SessionDescription, error) {
		return n.pc.CreateOffer(nil)
	})
	return n, nil
}

// NewCallee answers offer. The answer is delivered on Signal once ICE
// gathering has finished.
func (f *Factory) NewCallee(ctx context.Context, local *LocalStream, offer signaling.Blob) (*Negotiator, error) {
	n, err := newNegotiator(ctx, ModeCallee, local, f.cfg)
	if err != nil {
		return nil, err
	}
	if err := n.AcceptRemoteSignal(offer); err != nil {
		n.Close()
		return nil, err
	}
	return n, nil
}

// Negotiator drives exactly one negotiation attempt. Its results are
// one-shot channels: Signal and Stream each deliver once, Failed at most
// once. After Close nothing more is delivered.
type Negotiator struct {
	mode          Mode
	pc            *webrtc.PeerConnection
	gatherTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	signal chan signaling.Blob
	stream chan *RemoteStream
	failed chan error

	mu            sync.Mutex
	remoteApplied bool
	remote        *RemoteStream

	failOnce  sync.Once
	closeOnce sync.Once
	closeErr  error
}

func newNegotiator(ctx context.Context, mode Mode, local *LocalStream, cfg Config) (*Negotiator, error) {
	tracks := local.Tracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrNegotiation, ErrNoLocalMedia)
	}

	pc, err := newPeerConnection(cfg.API, cfg.STUNServers)
	if err != nil {
		return nil, fmt.Errorf("%w: create peer connection: %w", ErrNegotiation, err)
	}

	nCtx, nCancel := context.WithCancel(ctx)
	n := &Negotiator{
		mode:          mode,
		pc:            pc,
		gatherTimeout: cfg.GatherTimeout,
		ctx:           nCtx,
		cancel:        nCancel,
		signal:        make(chan signaling.Blob, 1),
		stream:        make(chan *RemoteStream, 1),
		failed:        make(chan error, 1),
	}
	if n.gatherTimeout <= 0 {
		n.gatherTimeout = defaultGatherTimeout
	}

	for _, track := range tracks {
		rtpSender, err := pc.AddTrack(track)
		if err != nil {
			pc.Close()
			nCancel()
			return nil, fmt.Errorf("%w: attach %s track: %w", ErrNegotiation, track.Kind(), err)
		}
		go drainRTCP(rtpSender)
	}

	pc.OnTrack(n.handleTrack)
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("[%s] PeerConnection state: %s", mode, state)
		if state == webrtc.PeerConnectionStateFailed {
			n.fail(fmt.Errorf("%w: peer connection failed", ErrNegotiation))
		}
	})

	// The parent context bounds the negotiator's lifetime.
	context.AfterFunc(nCtx, func() { n.Close() })

	return n, nil
}

// Mode reports which side this negotiator plays.
func (n *Negotiator) Mode() Mode { return n.mode }

// Signal delivers the finished local blob: an offer for a caller, an answer
// for a callee.
func (n *Negotiator) Signal() <-chan signaling.Blob { return n.signal }

// Stream delivers the remote stream once its first track is live.
func (n *Negotiator) Stream() <-chan *RemoteStream { return n.stream }

// Failed delivers the first fatal error.
func (n *Negotiator) Failed() <-chan error { return n.failed }

// Done is closed when the negotiator is closed.
func (n *Negotiator) Done() <-chan struct{} { return n.ctx.Done() }

// AcceptRemoteSignal applies the counterpart's blob: the answer for a caller,
// the offer for a callee (which then starts producing its answer). It may
// succeed at most once.
func (n *Negotiator) AcceptRemoteSignal(blob signaling.Blob) error {
	if n.ctx.Err() != nil {
		return ErrClosed
	}

	want := webrtc.SDPTypeAnswer
	if n.mode == ModeCallee {
		want = webrtc.SDPTypeOffer
	}
	desc, err := decodeBlob(blob, want)
	if err != nil {
		return err
	}

	n.mu.Lock()
	if n.remoteApplied {
		n.mu.Unlock()
		return fmt.Errorf("%w: remote signal already applied", ErrNegotiation)
	}
	n.remoteApplied = true
	n.mu.Unlock()

	if err := n.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("%w: apply remote %s: %w", ErrNegotiation, want, err)
	}

	if n.mode == ModeCallee {
		go n.produce(func() (webrtc.SessionDescription, error) {
			return n.pc.CreateAnswer(nil)
		})
	}
	return nil
}

// Close releases the PeerConnection. It is idempotent and safe to call at
// any point, including before negotiation completed.
func (n *Negotiator) Close() error {
	n.closeOnce.Do(func() {
		n.cancel()
		n.closeErr = n.pc.Close()
	})
	return n.closeErr
}

// produce creates the local description, waits for ICE gathering to finish
// and delivers the complete blob.
func (n *Negotiator) produce(create func() (webrtc.SessionDescription, error)) {
	desc, err := create()
	if err != nil {
		n.fail(fmt.Errorf("%w: create %s: %w", ErrNegotiation, n.signalType(), err))
		return
	}

	gathered := webrtc.GatheringCompletePromise(n.pc)
	if err := n.pc.SetLocalDescription(desc); err != nil {
		n.fail(fmt.Errorf("%w: set local %s: %w", ErrNegotiation, n.signalType(), err))
		return
	}

	timer := time.NewTimer(n.gatherTimeout)
	defer timer.Stop()

	select {
	case <-gathered:
	case <-timer.C:
		util.LogWarning("[%s] ICE gathering timed out after %s, sending partial candidates", n.mode, n.gatherTimeout)
	case <-n.ctx.Done():
		return
	}

	blob, err := json.Marshal(n.pc.LocalDescription())
	if err != nil {
		n.fail(fmt.Errorf("%w: encode %s: %w", ErrNegotiation, n.signalType(), err))
		return
	}

	if n.ctx.Err() != nil {
		return
	}
	n.signal <- blob
}

func (n *Negotiator) handleTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	if n.ctx.Err() != nil {
		return
	}
	util.LogDebug("[%s] remote %s track %s (%s)", n.mode, track.Kind(), track.ID(), track.Codec().MimeType)

	n.mu.Lock()
	first := n.remote == nil
	if first {
		n.remote = newRemoteStream(track.StreamID())
	}
	rs := n.remote
	n.mu.Unlock()

	rs.add(track)
	if first && n.ctx.Err() == nil {
		n.stream <- rs
	}
}

func (n *Negotiator) fail(err error) {
	if n.ctx.Err() != nil {
		return
	}
	n.failOnce.Do(func() {
		n.failed <- err
	})
}

func (n *Negotiator) signalType() webrtc.SDPType {
	if n.mode == ModeCaller {
		return webrtc.SDPTypeOffer
	}
	return webrtc.SDPTypeAnswer
}

// decodeBlob parses a blob into a session description of the wanted type.
func decodeBlob(blob signaling.Blob, want webrtc.SDPType) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(blob, &desc); err != nil {
		return desc, fmt.Errorf("%w: malformed signal: %w", ErrNegotiation, err)
	}
	if desc.Type != want {
		return desc, fmt.Errorf("%w: got %s signal, want %s", ErrNegotiation, desc.Type, want)
	}
	if desc.SDP == "" {
		return desc, fmt.Errorf("%w: empty %s", ErrNegotiation, want)
	}
	return desc, nil
}
