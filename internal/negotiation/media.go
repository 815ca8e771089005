package negotiation

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// Media is a set of local tracks owned by the coordinator for one call.
type Media interface {
	Tracks() []webrtc.TrackLocal
	// SetEnabled mutes or unmutes every track without renegotiating.
	SetEnabled(enabled bool)
	// Stop releases the source. It is called exactly once per acquired
	// Media, on every exit path.
	Stop()
}

// MediaSource acquires local media for a new call.
type MediaSource func(ctx context.Context) (Media, error)

const opusFrameDuration = 20 * time.Millisecond

// opusSilence is a single Opus frame (TOC 0xf8, 20ms CELT) that decodes to
// silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SilentAudio is an Opus track that streams silence while enabled. The CLI
// uses it in place of a microphone.
type SilentAudio struct {
	track   *webrtc.TrackLocalStaticSample
	enabled atomic.Bool

	stop chan struct{}
	once sync.Once
	done chan struct{}
}

// NewSilentAudio is a MediaSource.
func NewSilentAudio(ctx context.Context) (Media, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio",
		"aero-room-"+uuid.NewString(),
	)
	if err != nil {
		return nil, err
	}
	a := &SilentAudio{
		track: track,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	a.enabled.Store(true)
	go a.run()
	return a, nil
}

func (a *SilentAudio) run() {
	defer close(a.done)
	ticker := time.NewTicker(opusFrameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			if !a.enabled.Load() {
				continue
			}
			// Errors before the track is bound are expected; keep ticking.
			_ = a.track.WriteSample(media.Sample{Data: opusSilence, Duration: opusFrameDuration})
		}
	}
}

func (a *SilentAudio) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{a.track}
}

func (a *SilentAudio) SetEnabled(enabled bool) {
	a.enabled.Store(enabled)
}

func (a *SilentAudio) Enabled() bool {
	return a.enabled.Load()
}

func (a *SilentAudio) Stop() {
	a.once.Do(func() {
		close(a.stop)
	})
	<-a.done
}
