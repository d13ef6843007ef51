package rtc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hraban/opus"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/reachlabs/voicebridge/internal/core"
)

// Opus over RTP always declares a 48k clock regardless of the coded rate.
const opusClockRate = 48000

var generationCounter atomic.Uint64

// Link wraps one PeerConnection. The microphone capture is lent by the
// factory; the link owns the encoder, the remote decoder, and the
// remote PCM feed.
type Link struct {
	pc         *webrtc.PeerConnection
	generation uint64
	sampleRate int
	ceiling    time.Duration
	logger     zerolog.Logger

	capture    *Capture
	track      *webrtc.TrackLocalStaticSample
	remoteFeed *Feed

	events chan core.TransportEvent
	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
}

func newLink(ctx context.Context, cfg webrtc.Configuration, capture *Capture, sampleRate int, ceiling time.Duration) (*Link, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	l := &Link{
		pc:         pc,
		generation: generationCounter.Add(1),
		sampleRate: sampleRate,
		ceiling:    ceiling,
		capture:    capture,
		remoteFeed: NewFeed("remote"),
		events:     make(chan core.TransportEvent, 16),
		done:       make(chan struct{}),
	}
	l.logger = log.With().Str("module", "rtc").Uint64("gen", l.generation).Logger()

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusClockRate, Channels: 1},
		"audio", "voicebridge",
	)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("new local track: %w", err)
	}
	if _, err := pc.AddTrack(track); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("add local track: %w", err)
	}
	l.track = track

	linkCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		l.logger.Info().Str("peer_connection_state", s.String()).Msg("peer state")
		switch s {
		case webrtc.PeerConnectionStateConnected:
			l.emit(core.TransportConnected)
		case webrtc.PeerConnectionStateDisconnected:
			l.emit(core.TransportDisconnected)
		case webrtc.PeerConnectionStateFailed:
			l.emit(core.TransportFailed)
		case webrtc.PeerConnectionStateClosed:
			l.emit(core.TransportClosed)
		}
	})
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		l.logger.Info().Str("ice_state", s.String()).Msg("ICE state")
	})
	pc.OnSignalingStateChange(func(s webrtc.SignalingState) {
		l.logger.Info().Str("signaling_state", s.String()).Msg("signaling state")
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		l.logger.Info().Str("kind", track.Kind().String()).Str("track_id", track.ID()).Msg("remote track received")
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		go l.readRemote(linkCtx, track)
	})

	go l.encodeLoop(linkCtx)
	return l, nil
}

func (l *Link) Generation() uint64                 { return l.generation }
func (l *Link) Events() <-chan core.TransportEvent { return l.events }
func (l *Link) LocalFeed() core.PCMFeed            { return l.capture.Feed() }
func (l *Link) RemoteFeed() core.PCMFeed           { return l.remoteFeed }
func (l *Link) SetMuted(muted bool)                { l.capture.SetMuted(muted) }

func (l *Link) emit(kind core.TransportEventKind) {
	select {
	case <-l.done:
		return
	default:
	}
	select {
	case l.events <- core.TransportEvent{Kind: kind, Generation: l.generation}:
	default:
		l.logger.Warn().Str("event", kind.String()).Msg("transport event dropped, consumer behind")
	}
}

func (l *Link) Offer(ctx context.Context) (string, error)        { return l.offer(ctx, false) }
func (l *Link) RestartOffer(ctx context.Context) (string, error) { return l.offer(ctx, true) }

func (l *Link) offer(ctx context.Context, restart bool) (string, error) {
	var opts *webrtc.OfferOptions
	if restart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := l.pc.CreateOffer(opts)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}

	gathered := webrtc.GatheringCompletePromise(l.pc)
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}

	// Bounded wait: proceed with whatever candidates exist at the
	// ceiling rather than blocking on a stuck gatherer.
	select {
	case <-gathered:
	case <-time.After(l.ceiling):
		l.logger.Warn().Dur("ceiling", l.ceiling).Msg("ICE gathering ceiling hit, proceeding with partial candidates")
	case <-ctx.Done():
		return "", ctx.Err()
	}

	local := l.pc.LocalDescription()
	if local == nil {
		return "", fmt.Errorf("no local description after gathering")
	}
	l.logger.Info().Bool("ice_restart", restart).Int("sdp_bytes", len(local.SDP)).Msg("local description ready")
	return local.SDP, nil
}

func (l *Link) ApplyAnswer(sdp string) error {
	err := l.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
	if err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	l.logger.Info().Msg("remote description applied")
	return nil
}

// encodeLoop taps the microphone feed, packs it into fixed 20ms opus
// frames and clocks them out on the local track.
func (l *Link) encodeLoop(ctx context.Context) {
	enc, err := opus.NewEncoder(l.sampleRate, 1, opus.AppVoIP)
	if err != nil {
		l.logger.Error().Err(err).Msg("opus encoder init failed")
		return
	}

	frames, cancel := l.capture.Feed().Subscribe(fmt.Sprintf("encoder-%d", l.generation))
	defer cancel()

	frameBytes := l.sampleRate / 1000 * frameMillis * 2
	pending := make([]byte, 0, frameBytes*2)
	encoded := make([]byte, 1500)

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			pending = append(pending, frame...)
			for len(pending) >= frameBytes {
				n, err := enc.Encode(bytesToInt16(pending[:frameBytes]), encoded)
				pending = pending[frameBytes:]
				if err != nil {
					l.logger.Error().Err(err).Msg("opus encode error")
					continue
				}
				sample := media.Sample{Data: append([]byte(nil), encoded[:n]...), Duration: frameMillis * time.Millisecond}
				if err := l.track.WriteSample(sample); err != nil {
					l.logger.Error().Err(err).Msg("write sample error, stopping encoder")
					return
				}
			}
		}
	}
}

// readRemote depacketizes the inbound track and publishes decoded PCM
// to the remote feed.
func (l *Link) readRemote(ctx context.Context, track *webrtc.TrackRemote) {
	dec, err := opus.NewDecoder(l.sampleRate, 1)
	if err != nil {
		l.logger.Error().Err(err).Msg("opus decoder init failed")
		return
	}
	// Room for the longest legal opus frame (120ms).
	pcm := make([]int16, l.sampleRate/1000*120)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		pkt, _, err := track.ReadRTP()
		if err != nil {
			l.logger.Info().Err(err).Msg("remote track read stopped")
			return
		}
		l.decodePacket(dec, pkt, pcm)
	}
}

func (l *Link) decodePacket(dec *opus.Decoder, pkt *rtp.Packet, pcm []int16) {
	if len(pkt.Payload) == 0 {
		return
	}
	n, err := dec.Decode(pkt.Payload, pcm)
	if err != nil {
		l.logger.Debug().Err(err).Msg("opus decode error, dropping packet")
		return
	}
	l.remoteFeed.Publish(int16ToFrame(pcm[:n]))
}

// Stats reads the transport's current counters. RTT comes from the
// nominated candidate pair, loss and jitter from inbound RTP.
func (l *Link) Stats() (core.LinkStats, error) {
	var out core.LinkStats
	report := l.pc.GetStats()
	for _, s := range report {
		switch st := s.(type) {
		case webrtc.InboundRTPStreamStats:
			out.PacketsReceived += uint64(st.PacketsReceived)
			out.PacketsLost += int64(st.PacketsLost)
			out.JitterSeconds = st.Jitter
		case webrtc.ICECandidatePairStats:
			if st.Nominated {
				out.RTTSeconds = st.CurrentRoundTripTime
			}
		}
	}
	return out, nil
}

// Close tears the link down: decoder taps, encoder, peer connection,
// remote feed. Idempotent; the lent capture stays with the factory.
func (l *Link) Close() error {
	l.once.Do(func() {
		close(l.done)
		l.cancel()
		if err := l.pc.Close(); err != nil {
			l.logger.Error().Err(err).Msg("peer connection close error")
		}
		l.remoteFeed.Close()
		l.logger.Info().Msg("media link closed")
	})
	return nil
}
