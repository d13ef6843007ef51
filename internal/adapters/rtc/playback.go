package rtc

import (
	"fmt"
	"io"
	"sync"

	"github.com/ebitengine/oto/v3"
	"github.com/rs/zerolog/log"

	"github.com/reachlabs/voicebridge/internal/core"
)

// Speaker plays a remote PCM feed through the default output device.
// It pulls from whichever feed it is currently attached to, so a full
// rebuild can swap feeds without recreating the audio device.
type Speaker struct {
	otoCtx *oto.Context
	player *oto.Player

	mu     sync.Mutex
	frames <-chan core.Frame
	detach func()
	buf    []byte
	closed bool
}

func NewSpeaker(sampleRate int) (*Speaker, error) {
	otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: 1,
		Format:       oto.FormatSignedInt16LE,
	})
	if err != nil {
		return nil, fmt.Errorf("init speaker: %w", err)
	}
	<-ready

	s := &Speaker{otoCtx: otoCtx}
	s.player = otoCtx.NewPlayer(readerFunc(s.read))
	s.player.Play()
	log.Info().Str("module", "rtc.playback").Int("sample_rate", sampleRate).Msg("speaker ready")
	return s, nil
}

// Attach switches playback to the given feed, dropping any frames
// still buffered from the previous one.
func (s *Speaker) Attach(feed core.PCMFeed) {
	frames, cancel := feed.Subscribe("playback")

	s.mu.Lock()
	if s.detach != nil {
		s.detach()
	}
	s.frames = frames
	s.detach = cancel
	s.buf = s.buf[:0]
	s.mu.Unlock()
}

// read implements the oto pull side. Silence is returned while no feed
// is attached so the device keeps draining.
func (s *Speaker) read(p []byte) (int, error) {
	s.mu.Lock()
	frames := s.frames
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return 0, io.EOF
	}
	if len(s.buf) == 0 && frames != nil {
		frame, ok := <-frames
		if ok {
			s.mu.Lock()
			s.buf = append(s.buf, frame...)
			s.mu.Unlock()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) == 0 {
		for i := range p {
			p[i] = 0
		}
		return len(p), nil
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

// Close releases the output device. Idempotent.
func (s *Speaker) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.detach != nil {
		s.detach()
		s.detach = nil
	}
	s.mu.Unlock()

	if s.player != nil {
		_ = s.player.Close()
	}
	log.Info().Str("module", "rtc.playback").Msg("speaker released")
}

type readerFunc func(p []byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }
