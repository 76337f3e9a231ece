package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"

	"github.com/1ureka/peercall/internal/transport"
	"github.com/1ureka/peercall/internal/util"
)

type rtpReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// Record writes the remote stream's Opus audio to an Ogg file at path. It
// returns when ctx is cancelled or the track ends, which happens when the
// call's negotiator is closed.
func Record(ctx context.Context, rs *transport.RemoteStream, path string) error {
	track, err := rs.WaitTrack(ctx, webrtc.RTPCodecTypeAudio)
	if err != nil {
		return fmt.Errorf("record: wait for audio: %w", err)
	}

	codec := track.Codec()
	if !strings.EqualFold(codec.MimeType, webrtc.MimeTypeOpus) {
		return fmt.Errorf("record: unsupported codec %s", codec.MimeType)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("record: %w", err)
	}
	defer f.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = track.SetReadDeadline(time.Now())
	})
	defer stop()

	channels := codec.Channels
	if channels == 0 {
		channels = 2
	}

	util.LogInfo("recording remote audio to %s", path)
	n, err := writeOgg(f, track, codec.ClockRate, channels)
	if ctx.Err() != nil {
		err = nil
	}
	util.LogInfo("recording stopped after %d packets", n)
	return err
}

// writeOgg copies Opus RTP packets from src into out until src ends.
func writeOgg(out io.Writer, src rtpReader, sampleRate uint32, channels uint16) (int, error) {
	w, err := oggwriter.NewWith(out, sampleRate, channels)
	if err != nil {
		return 0, fmt.Errorf("record: %w", err)
	}
	defer w.Close()

	n := 0
	for {
		pkt, _, err := src.ReadRTP()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("record: read: %w", err)
		}
		if err := w.WriteRTP(pkt); err != nil {
			return n, fmt.Errorf("record: write: %w", err)
		}
		n++
	}
}
