package rtc

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/reachlabs/voicebridge/internal/core"
	"github.com/reachlabs/voicebridge/internal/domain"
)

// publicFallbackSTUN is appended after relay-provided servers; the
// ordering is a preference, not a correctness requirement.
const publicFallbackSTUN = "stun:stun.l.google.com:19302"

// Factory owns the session's audio devices and builds links over them.
type Factory struct {
	sampleRate int
	ceiling    time.Duration

	capture *Capture
	speaker *Speaker
}

func NewFactory(sampleRate int, gatherCeiling time.Duration) *Factory {
	return &Factory{sampleRate: sampleRate, ceiling: gatherCeiling}
}

// AcquireMedia opens the microphone and the speaker. Called once per
// session, before the first link is built.
func (f *Factory) AcquireMedia() error {
	if f.capture != nil {
		return nil
	}
	capture, err := NewCapture(f.sampleRate)
	if err != nil {
		return err
	}
	speaker, err := NewSpeaker(f.sampleRate)
	if err != nil {
		capture.Close()
		return err
	}
	f.capture = capture
	f.speaker = speaker
	return nil
}

// NewLink builds a fresh peer transport over the already-acquired
// devices and points playback at its remote feed.
func (f *Factory) NewLink(ctx context.Context, cred *domain.RelayCredential) (core.MediaLink, error) {
	if f.capture == nil {
		return nil, core.ErrMediaUnavailable
	}
	link, err := newLink(ctx, configuration(cred), f.capture, f.sampleRate, f.ceiling)
	if err != nil {
		return nil, err
	}
	f.speaker.Attach(link.RemoteFeed())
	return link, nil
}

// ReleaseMedia closes the devices. Idempotent.
func (f *Factory) ReleaseMedia() {
	if f.speaker != nil {
		f.speaker.Close()
		f.speaker = nil
	}
	if f.capture != nil {
		f.capture.Close()
		f.capture = nil
	}
}

// configuration merges relay-provided servers first, then the public
// fallback, in a fixed declared order.
func configuration(cred *domain.RelayCredential) webrtc.Configuration {
	var servers []webrtc.ICEServer
	if cred != nil {
		if cred.Expired(time.Now()) {
			log.Warn().Str("module", "rtc").Msg("relay credential past ttl, using public fallback only")
		} else {
			for _, s := range cred.Servers {
				servers = append(servers, webrtc.ICEServer{
					URLs:       s.URLs,
					Username:   s.Username,
					Credential: s.Credential,
				})
			}
		}
	}
	servers = append(servers, webrtc.ICEServer{URLs: []string{publicFallbackSTUN}})
	return webrtc.Configuration{ICEServers: servers}
}
