package transport

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
)

// LocalStream is the set of local tracks offered to the remote end. It is
// shared read-only between the call machine and whichever negotiator is
// active; only one negotiator attaches it at a time.
type LocalStream struct {
	tracks []webrtc.TrackLocal
}

// NewLocalStream groups tracks into a stream.
func NewLocalStream(tracks ...webrtc.TrackLocal) *LocalStream {
	return &LocalStream{tracks: tracks}
}

// Tracks returns the stream's tracks.
func (s *LocalStream) Tracks() []webrtc.TrackLocal {
	if s == nil {
		return nil
	}
	return s.tracks
}

// RemoteStream collects the tracks the remote end sends. It is handed out as
// soon as the first track is live; later tracks are added as they arrive.
type RemoteStream struct {
	id string

	mu      sync.Mutex
	tracks  []*webrtc.TrackRemote
	changed chan struct{}
}

func newRemoteStream(id string) *RemoteStream {
	return &RemoteStream{id: id, changed: make(chan struct{})}
}

// ID is the remote media stream id.
func (s *RemoteStream) ID() string {
	return s.id
}

// Tracks returns the tracks received so far.
func (s *RemoteStream) Tracks() []*webrtc.TrackRemote {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*webrtc.TrackRemote(nil), s.tracks...)
}

// WaitTrack blocks until a track of the given kind has arrived or ctx ends.
func (s *RemoteStream) WaitTrack(ctx context.Context, kind webrtc.RTPCodecType) (*webrtc.TrackRemote, error) {
	for {
		s.mu.Lock()
		for _, t := range s.tracks {
			if t.Kind() == kind {
				s.mu.Unlock()
				return t, nil
			}
		}
		changed := s.changed
		s.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *RemoteStream) add(t *webrtc.TrackRemote) {
	s.mu.Lock()
	s.tracks = append(s.tracks, t)
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()
}
