// Package session is the public entry point: connect, mute, end, and
// the caller-facing event stream. All lifecycle transitions for one
// session are applied by a single run loop, so no two transitions can
// race.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/reachlabs/voicebridge/internal/app/quality"
	"github.com/reachlabs/voicebridge/internal/app/recovery"
	"github.com/reachlabs/voicebridge/internal/app/transcribe"
	"github.com/reachlabs/voicebridge/internal/core"
	"github.com/reachlabs/voicebridge/internal/domain"
)

const eventBuffer = 128

// Options carries the tunables the config file feeds in.
type Options struct {
	QualityInterval      time.Duration
	TranscribeStartDelay time.Duration
	NegotiationTimeout   time.Duration
	Budgets              recovery.Budgets
}

// Facade owns exactly one Session. Connect is not re-entrant; End is
// safe from any state, including before Connect.
type Facade struct {
	broker      core.CredentialBroker
	exchanger   core.Exchanger
	factory     core.MediaFactory
	transcriber core.Transcriber
	opts        Options

	mu          sync.Mutex
	sess        *domain.Session
	state       domain.SessionState
	link        core.MediaLink
	muted       bool
	connectedAt time.Time
	accumulated time.Duration

	events   chan core.Event
	cancel   context.CancelFunc
	loopDone chan struct{}

	endOnce  sync.Once
	finalDur time.Duration

	controller *recovery.Controller
	monitor    *quality.Monitor
	fanout     *transcribe.Fanout
	logger     zerolog.Logger
}

func NewFacade(broker core.CredentialBroker, exchanger core.Exchanger, factory core.MediaFactory, transcriber core.Transcriber, opts Options) *Facade {
	return &Facade{
		broker:      broker,
		exchanger:   exchanger,
		factory:     factory,
		transcriber: transcriber,
		opts:        opts,
		state:       domain.StateNew,
		events:      make(chan core.Event, eventBuffer),
		logger:      log.With().Str("module", "session").Logger(),
	}
}

// Connect starts the session task tree and returns the event stream.
// Setup failures after this point arrive on the stream as an error
// event followed by the failed state; only re-entry is rejected here.
func (f *Facade) Connect(ctx context.Context, sessionID domain.SessionID, accountToken string) (<-chan core.Event, error) {
	sess, err := domain.NewSession(sessionID, accountToken)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	if f.state == domain.StateClosed {
		f.mu.Unlock()
		return nil, core.ErrSessionClosed
	}
	if f.sess != nil {
		f.mu.Unlock()
		return nil, core.ErrConnectInFlight
	}
	f.sess = sess
	loopCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.loopDone = make(chan struct{})
	f.mu.Unlock()

	f.logger = f.logger.With().Str("sid", string(sessionID)).Logger()
	f.logger.Info().Str("token", domain.TokenPreview(accountToken)).Msg("starting connection process")

	f.controller = recovery.NewController(f.broker, f.exchanger, sessionID, f.opts.Budgets)
	f.monitor = quality.NewMonitor(f.opts.QualityInterval)
	f.fanout = transcribe.NewFanout(f.broker, f.transcriber, f.opts.TranscribeStartDelay)

	go f.run(loopCtx, sess)
	return f.events, nil
}

// Mute gates the microphone. The frame clock keeps running; only the
// payload goes silent.
func (f *Facade) Mute(muted bool) {
	f.mu.Lock()
	f.muted = muted
	link := f.link
	f.mu.Unlock()
	if link != nil {
		link.SetMuted(muted)
	}
}

// End tears the session down from any state and returns the total
// connected duration. Idempotent; late results from cancelled awaits
// are discarded by the run loop's generation checks.
func (f *Facade) End() time.Duration {
	f.endOnce.Do(func() {
		f.mu.Lock()
		cancel := f.cancel
		done := f.loopDone
		f.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if done != nil {
			<-done
		}

		f.mu.Lock()
		if f.state != domain.StateClosed {
			f.state = domain.StateClosed
			f.logger.Info().Str("state", f.state.String()).Msg("session closed")
		}
		f.finalDur = f.accumulated
		f.mu.Unlock()

		f.emit(core.Event{Kind: core.EventState, At: time.Now(), State: domain.StateClosed})
		close(f.events)
	})
	return f.finalDur
}

// State reports the current lifecycle state.
func (f *Facade) State() domain.SessionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// emit delivers one event without ever blocking the run loop. A
// saturated subscriber loses events rather than stalling media.
func (f *Facade) emit(ev core.Event) {
	select {
	case f.events <- ev:
	default:
		f.logger.Warn().Str("kind", ev.Kind.String()).Msg("event dropped, subscriber behind")
	}
}

func (f *Facade) setState(s domain.SessionState) {
	f.mu.Lock()
	if f.state == s || f.state == domain.StateClosed {
		f.mu.Unlock()
		return
	}
	prev := f.state
	f.state = s
	f.mu.Unlock()

	f.logger.Info().Str("from", prev.String()).Str("to", s.String()).Msg("state transition")
	f.emit(core.Event{Kind: core.EventState, At: time.Now(), State: s})
}
