package session

import (
	"context"
	"fmt"
	"time"

	"github.com/reachlabs/voicebridge/internal/core"
	"github.com/reachlabs/voicebridge/internal/domain"
)

type recoveryResult struct {
	link core.MediaLink
	err  error
}

// run drives the whole session: the connect sequence, then the event
// loop that serializes every state transition. It is the only
// goroutine that touches the link topology.
func (f *Facade) run(ctx context.Context, sess *domain.Session) {
	defer close(f.loopDone)

	var (
		link       core.MediaLink
		gen        uint64
		linkEvents <-chan core.TransportEvent

		recovering   bool
		recoveryDone = make(chan recoveryResult, 1)

		qualityCh     = make(chan domain.QualitySample, 8)
		qualityCancel context.CancelFunc
		lastTier      domain.QualityTier
		haveTier      bool

		transcriptCh     = make(chan domain.TranscriptEvent, 32)
		transcribeDone   chan struct{}
		transcribeCancel context.CancelFunc
	)

	// Teardown is deterministic: cancel children, wait for them, then
	// release the transport and the devices. Runs even when a cancelled
	// await returns late; any late result is discarded below.
	defer func() {
		if qualityCancel != nil {
			qualityCancel()
		}
		if transcribeCancel != nil {
			transcribeCancel()
		}
		if transcribeDone != nil {
			<-transcribeDone
		}
		if recovering {
			if res := <-recoveryDone; res.link != nil {
				link = res.link
			}
		}
		f.mu.Lock()
		if !f.connectedAt.IsZero() {
			f.accumulated += time.Since(f.connectedAt)
			f.connectedAt = time.Time{}
		}
		f.link = nil
		f.mu.Unlock()
		if link != nil {
			_ = link.Close()
		}
		f.factory.ReleaseMedia()
		f.logger.Info().Msg("session resources released")
	}()

	adoptLink := func(l core.MediaLink) {
		link = l
		gen = l.Generation()
		linkEvents = l.Events()
		f.mu.Lock()
		f.link = l
		muted := f.muted
		f.mu.Unlock()
		if muted {
			l.SetMuted(true)
		}
	}

	stopCaptions := func() {
		if transcribeCancel != nil {
			transcribeCancel()
			transcribeCancel = nil
		}
		if transcribeDone != nil {
			<-transcribeDone
			transcribeDone = nil
		}
	}

	startCaptions := func() {
		if transcribeDone != nil {
			return
		}
		tctx, cancel := context.WithCancel(ctx)
		transcribeCancel = cancel
		done := make(chan struct{})
		transcribeDone = done
		local, remote := link.LocalFeed(), link.RemoteFeed()
		go func() {
			f.fanout.Run(tctx, sess.AccountToken, local, remote, transcriptCh, f.captionNotice)
			close(done)
		}()
	}

	handleConnected := func() {
		f.controller.ResetCounters()
		f.mu.Lock()
		if f.connectedAt.IsZero() {
			f.connectedAt = time.Now()
		}
		f.mu.Unlock()
		f.setState(domain.StateConnected)
		haveTier = false
		if qualityCancel == nil {
			qctx, cancel := context.WithCancel(ctx)
			qualityCancel = cancel
			go f.monitor.Run(qctx, link, qualityCh)
		}
		startCaptions()
	}

	handleAdverse := func(kind core.TransportEventKind) {
		if recovering {
			f.logger.Info().Str("event", kind.String()).Msg("adverse event coalesced, recovery already in flight")
			return
		}
		f.mu.Lock()
		if !f.connectedAt.IsZero() {
			f.accumulated += time.Since(f.connectedAt)
			f.connectedAt = time.Time{}
		}
		f.mu.Unlock()
		if qualityCancel != nil {
			qualityCancel()
			qualityCancel = nil
		}

		f.setState(domain.StateDisconnected)
		f.notice("connection interrupted, attempting to recover")
		f.setState(domain.StateRecovering)

		recovering = true
		cur := link
		go func() {
			rebuild := func(rctx context.Context) (core.MediaLink, error) {
				_ = cur.Close()
				cred, err := f.broker.RelayCredentials(rctx, sess.AccountToken)
				if err != nil {
					return nil, err
				}
				next, err := f.factory.NewLink(rctx, cred)
				if err != nil {
					return nil, err
				}
				cur = next
				if err := f.controller.Negotiate(rctx, sess.AccountToken, sess.ID, next, false); err != nil {
					return nil, err
				}
				return next, nil
			}
			_, err := f.controller.Recover(ctx, kind, cur, sess.AccountToken, sess.ID, rebuild)
			recoveryDone <- recoveryResult{link: cur, err: err}
		}()
	}

	// Connect sequence.
	f.setState(domain.StateGatheringMedia)
	if err := f.factory.AcquireMedia(); err != nil {
		f.failTerminal(err)
		return
	}
	cred, err := f.broker.RelayCredentials(ctx, sess.AccountToken)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		f.failTerminal(err)
		return
	}
	first, err := f.factory.NewLink(ctx, cred)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		f.failTerminal(err)
		return
	}
	adoptLink(first)

	f.setState(domain.StateNegotiating)
	negCtx, negCancel := context.WithTimeout(ctx, f.opts.NegotiationTimeout)
	err = f.controller.Negotiate(negCtx, sess.AccountToken, sess.ID, link, false)
	negCancel()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		f.failTerminal(err)
		return
	}

	// Event loop: the single place transitions are applied.
	for {
		select {
		case <-ctx.Done():
			return

		case ev := <-linkEvents:
			if ev.Generation != gen {
				f.logger.Debug().Uint64("event_gen", ev.Generation).Uint64("gen", gen).Msg("discarding event from replaced link")
				continue
			}
			switch ev.Kind {
			case core.TransportConnected:
				handleConnected()
			case core.TransportDisconnected, core.TransportFailed:
				handleAdverse(ev.Kind)
			case core.TransportClosed:
				// Only this loop closes links; nothing to do.
			}

		case res := <-recoveryDone:
			recovering = false
			if res.link != nil && res.link != link {
				// The rebuild closed the old link's feeds, which may have
				// taken down one caption pipeline without finishing the
				// other. Stop them both; the connected edge starts fresh
				// pipelines against the new link's feeds.
				stopCaptions()
				adoptLink(res.link)
			}
			if res.err != nil {
				if ctx.Err() != nil {
					return
				}
				f.failTerminal(res.err)
				return
			}
			// Success: the repaired or rebuilt transport announces
			// connected through its own event stream.

		case sample := <-qualityCh:
			if !haveTier || sample.Tier != lastTier {
				s := sample
				f.emit(core.Event{Kind: core.EventQuality, At: sample.At, Quality: &s})
				if sample.Tier == domain.TierPoor {
					f.notice("connection quality is poor")
				}
			}
			lastTier = sample.Tier
			haveTier = true

		case t := <-transcriptCh:
			ev := t
			f.emit(core.Event{Kind: core.EventTranscript, At: t.Timestamp, Transcript: &ev})

		case <-transcribeDone:
			// Both pipelines died mid-call. Restart them against the
			// current link if the call is still up.
			stopCaptions()
			if f.State() == domain.StateConnected {
				startCaptions()
			}
		}
	}
}

// failTerminal reports a call-ending error exactly once and parks the
// session in failed.
func (f *Facade) failTerminal(err error) {
	f.logger.Error().Err(err).Msg("session failed")
	f.setState(domain.StateFailed)
	f.emit(core.Event{Kind: core.EventError, At: time.Now(), Err: err})
}

func (f *Facade) notice(text string) {
	f.emit(core.Event{Kind: core.EventNotice, At: time.Now(), Notice: text})
}

func (f *Facade) captionNotice(err error) {
	f.notice(fmt.Sprintf("live captions unavailable: %v", err))
}
