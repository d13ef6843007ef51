// Package transcribe runs the two live-caption pipelines, one per side
// of the conversation.
package transcribe

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/reachlabs/voicebridge/internal/core"
	"github.com/reachlabs/voicebridge/internal/domain"
)

// Fanout owns two independent, symmetric pipelines: local microphone →
// "user" captions and remote AI audio → "ai" captions. A pipeline
// failure degrades captions only; the other pipeline and the call are
// untouched.
type Fanout struct {
	broker      core.CredentialBroker
	transcriber core.Transcriber
	startDelay  time.Duration
	logger      zerolog.Logger
}

func NewFanout(broker core.CredentialBroker, transcriber core.Transcriber, startDelay time.Duration) *Fanout {
	return &Fanout{
		broker:      broker,
		transcriber: transcriber,
		startDelay:  startDelay,
		logger:      log.With().Str("module", "transcribe").Logger(),
	}
}

// Run starts both pipelines and blocks until both finish. notify is
// invoked at most once per pipeline, with the degradation error.
func (f *Fanout) Run(ctx context.Context, accountToken string, local, remote core.PCMFeed, out chan<- domain.TranscriptEvent, notify func(error)) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		f.pipeline(ctx, accountToken, domain.SpeakerUser, local, out, notify)
	}()
	go func() {
		defer wg.Done()
		f.pipeline(ctx, accountToken, domain.SpeakerAI, remote, out, notify)
	}()
	wg.Wait()
}

// pipeline waits for its source feed to go live, opens a streaming
// connection and forwards frames until the call ends or the feed dies.
func (f *Fanout) pipeline(ctx context.Context, accountToken string, speaker domain.Speaker, feed core.PCMFeed, out chan<- domain.TranscriptEvent, notify func(error)) {
	logger := f.logger.With().Str("speaker", string(speaker)).Logger()

	// Give the transport a moment to settle before tapping audio.
	if f.startDelay > 0 {
		timer := time.NewTimer(f.startDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	select {
	case <-ctx.Done():
		return
	case <-feed.Ready():
	}

	token, err := f.broker.TranscriptionToken(ctx, accountToken)
	if err != nil {
		logger.Warn().Err(err).Msg("transcription token fetch failed, captions disabled")
		notify(fmt.Errorf("%w: %v", core.ErrTranscriptionUnavailable, err))
		return
	}

	frames, cancel := feed.Subscribe("transcribe-" + string(speaker))
	defer cancel()

	finals := make(chan string, 16)
	streamDone := make(chan error, 1)
	go func() {
		streamDone <- f.transcriber.Stream(ctx, token, frames, finals)
	}()
	logger.Info().Msg("caption pipeline started")

	lastText := ""
	for {
		select {
		case <-ctx.Done():
			<-streamDone
			return
		case err := <-streamDone:
			if err != nil && ctx.Err() == nil {
				logger.Warn().Err(err).Msg("caption stream ended")
				notify(err)
			}
			return
		case text := <-finals:
			text = strings.TrimSpace(text)
			if text == "" || text == lastText {
				continue
			}
			lastText = text
			ev := domain.TranscriptEvent{Speaker: speaker, Text: text, Timestamp: time.Now()}
			select {
			case out <- ev:
			case <-ctx.Done():
				<-streamDone
				return
			}
		}
	}
}
