// Package media provides the local tracks a call sends and a recorder for the
// tracks it receives. Capture devices are not used: audio comes from an Ogg
// Opus file or is synthetic silence, video comes from an IVF file.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"

	"github.com/1ureka/peercall/internal/transport"
	"github.com/1ureka/peercall/internal/util"
)

const (
	opusClockRate = 48000
	opusFrame     = 20 * time.Millisecond
)

// opusSilence is a single 20ms Opus frame of digital silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// Options selects the local media. Empty paths fall back to silence for audio
// and no video.
type Options struct {
	StreamID  string
	AudioFile string
	VideoFile string
}

// Source owns the local tracks and the goroutines that feed them.
type Source struct {
	stream  *transport.LocalStream
	players []player

	startOnce sync.Once
	wg        sync.WaitGroup
}

type player interface {
	play(ctx context.Context) error
	kind() string
}

// Open validates the configured files and creates the local tracks. Every
// failure wraps transport.ErrNoLocalMedia.
func Open(opts Options) (*Source, error) {
	if opts.StreamID == "" {
		opts.StreamID = "peercall"
	}

	var (
		players []player
		tracks  []webrtc.TrackLocal
	)

	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusClockRate, Channels: 2},
		"audio", opts.StreamID,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: audio track: %w", transport.ErrNoLocalMedia, err)
	}
	tracks = append(tracks, audio)

	if opts.AudioFile != "" {
		if err := probeOgg(opts.AudioFile); err != nil {
			return nil, fmt.Errorf("%w: audio file %s: %w", transport.ErrNoLocalMedia, opts.AudioFile, err)
		}
		players = append(players, &oggPlayer{path: opts.AudioFile, track: audio})
	} else {
		players = append(players, &silencePlayer{track: audio})
	}

	if opts.VideoFile != "" {
		mime, frame, err := probeIVF(opts.VideoFile)
		if err != nil {
			return nil, fmt.Errorf("%w: video file %s: %w", transport.ErrNoLocalMedia, opts.VideoFile, err)
		}
		video, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: mime, ClockRate: 90000},
			"video", opts.StreamID,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: video track: %w", transport.ErrNoLocalMedia, err)
		}
		tracks = append(tracks, video)
		players = append(players, &ivfPlayer{path: opts.VideoFile, track: video, frame: frame})
	}

	return &Source{
		stream:  transport.NewLocalStream(tracks...),
		players: players,
	}, nil
}

// Stream returns the local stream to hand to negotiators.
func (s *Source) Stream() *transport.LocalStream {
	return s.stream
}

// Start feeds every track until ctx is cancelled. Files are looped. Calling
// Start more than once has no effect.
func (s *Source) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		for _, p := range s.players {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				if err := p.play(ctx); err != nil && ctx.Err() == nil {
					util.LogError("local %s stopped: %v", p.kind(), err)
				}
			}()
		}
	})
}

// Wait blocks until every player started by Start has returned.
func (s *Source) Wait() {
	s.wg.Wait()
}

// ---------------------------------------------------------------------------
// Players
// ---------------------------------------------------------------------------

type silencePlayer struct {
	track *webrtc.TrackLocalStaticSample
}

func (p *silencePlayer) kind() string { return "audio" }

func (p *silencePlayer) play(ctx context.Context) error {
	ticker := time.NewTicker(opusFrame)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.track.WriteSample(pionmedia.Sample{Data: opusSilence, Duration: opusFrame}); err != nil && !errors.Is(err, io.ErrClosedPipe) {
				return err
			}
		}
	}
}

type oggPlayer struct {
	path  string
	track *webrtc.TrackLocalStaticSample
}

func (p *oggPlayer) kind() string { return "audio" }

func (p *oggPlayer) play(ctx context.Context) error {
	for ctx.Err() == nil {
		if err := p.playOnce(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (p *oggPlayer) playOnce(ctx context.Context) error {
	f, err := os.Open(p.path)
	if err != nil {
		return err
	}
	defer f.Close()

	ogg, _, err := oggreader.NewWith(f)
	if err != nil {
		return err
	}

	var granule uint64
	for {
		data, duration, err := nextOggSample(ogg, &granule)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if data == nil {
			continue
		}

		if err := p.track.WriteSample(pionmedia.Sample{Data: data, Duration: duration}); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(duration):
		}
	}
}

// nextOggSample returns the next Opus page and how long it plays. Header
// pages yield a nil slice.
func nextOggSample(ogg *oggreader.OggReader, granule *uint64) ([]byte, time.Duration, error) {
	page, header, err := ogg.ParseNextPage()
	if err != nil {
		return nil, 0, err
	}
	if bytes.HasPrefix(page, []byte("OpusTags")) {
		return nil, 0, nil
	}

	duration := opusFrame
	if header.GranulePosition > *granule {
		samples := header.GranulePosition - *granule
		duration = time.Duration(samples) * time.Second / opusClockRate
	}
	*granule = header.GranulePosition
	return page, duration, nil
}

type ivfPlayer struct {
	path  string
	track *webrtc.TrackLocalStaticSample
	frame time.Duration
}

func (p *ivfPlayer) kind() string { return "video" }

func (p *ivfPlayer) play(ctx context.Context) error {
	ticker := time.NewTicker(p.frame)
	defer ticker.Stop()

	for ctx.Err() == nil {
		f, err := os.Open(p.path)
		if err != nil {
			return err
		}
		err = p.playOnce(ctx, f, ticker)
		f.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *ivfPlayer) playOnce(ctx context.Context, r io.Reader, ticker *time.Ticker) error {
	ivf, _, err := ivfreader.NewWith(r)
	if err != nil {
		return err
	}
	for {
		frame, _, err := ivf.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if err := p.track.WriteSample(pionmedia.Sample{Data: frame, Duration: p.frame}); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			return err
		}
	}
}

// ---------------------------------------------------------------------------
// Probing
// ---------------------------------------------------------------------------

func probeOgg(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, header, err := oggreader.NewWith(f)
	if err != nil {
		return err
	}
	if header.SampleRate == 0 || header.Channels == 0 {
		return fmt.Errorf("not an Opus stream (rate %d, channels %d)", header.SampleRate, header.Channels)
	}
	return nil
}

// probeIVF returns the track codec and frame interval for an IVF file.
func probeIVF(path string) (string, time.Duration, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	_, header, err := ivfreader.NewWith(f)
	if err != nil {
		return "", 0, err
	}

	var mime string
	switch header.FourCC {
	case "VP80":
		mime = webrtc.MimeTypeVP8
	case "VP90":
		mime = webrtc.MimeTypeVP9
	default:
		return "", 0, fmt.Errorf("unsupported IVF codec %q", header.FourCC)
	}

	frame := 33 * time.Millisecond
	if header.TimebaseDenominator > 0 && header.TimebaseNumerator > 0 {
		frame = time.Duration(header.TimebaseNumerator) * time.Second / time.Duration(header.TimebaseDenominator)
	}
	// A 90kHz timebase describes timestamps, not the frame rate.
	if frame < 10*time.Millisecond || frame > time.Second {
		frame = 33 * time.Millisecond
	}
	return mime, frame, nil
}
