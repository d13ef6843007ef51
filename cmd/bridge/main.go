package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/reachlabs/voicebridge/internal/adapters/backend"
	"github.com/reachlabs/voicebridge/internal/adapters/rtc"
	"github.com/reachlabs/voicebridge/internal/adapters/signal"
	"github.com/reachlabs/voicebridge/internal/adapters/stt"
	"github.com/reachlabs/voicebridge/internal/app/recovery"
	"github.com/reachlabs/voicebridge/internal/app/session"
	"github.com/reachlabs/voicebridge/internal/config"
	"github.com/reachlabs/voicebridge/internal/core"
	"github.com/reachlabs/voicebridge/internal/domain"
)

func main() {
	ctx, cancel := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	sessionID := flag.String("session", "", "session id issued by the backend")
	accountToken := flag.String("token", os.Getenv("VOICEBRIDGE_TOKEN"), "account bearer token")
	muted := flag.Bool("muted", false, "start with the microphone muted")
	flag.Parse()

	if *sessionID == "" || *accountToken == "" {
		fmt.Fprintln(os.Stderr, "usage: bridge -session <id> -token <account token>")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	broker := backend.NewBroker(cfg.BackendURL, cfg.HTTPTimeout)
	exchanger := signal.NewExchanger(cfg.RealtimeURL, cfg.RealtimeModel, cfg.HTTPTimeout)
	factory := rtc.NewFactory(cfg.SampleRate, cfg.GatherCeiling)
	transcriber := stt.NewClient(cfg.SttURL, cfg.SampleRate)

	facade := session.NewFacade(broker, exchanger, factory, transcriber, session.Options{
		QualityInterval:      cfg.QualityInterval,
		TranscribeStartDelay: cfg.TranscribeStartDelay,
		NegotiationTimeout:   cfg.NegotiationTimeout,
		Budgets: recovery.Budgets{
			RestartAttempts:  cfg.RestartAttempts,
			RestartCap:       cfg.RestartBackoffCap,
			RebuildAttempts:  cfg.RebuildAttempts,
			RebuildCap:       cfg.RebuildBackoffCap,
			ExchangeAttempts: cfg.ExchangeAttempts,
		},
	})

	events, err := facade.Connect(context.Background(), domain.SessionID(*sessionID), *accountToken)
	if err != nil {
		log.Fatal().Err(err).Msg("connect rejected")
	}
	if *muted {
		facade.Mute(true)
	}

	go func() {
		<-ctx.Done()
		log.Info().Msg("ending call")
		facade.End()
	}()

	render(events)

	duration := facade.End()
	fmt.Printf("call duration %s\n", formatDuration(duration))
}

func render(events <-chan core.Event) {
	for ev := range events {
		switch ev.Kind {
		case core.EventState:
			log.Info().Str("state", ev.State.String()).Msg("call state")
			if ev.State.Terminal() {
				return
			}
		case core.EventQuality:
			log.Info().
				Str("tier", ev.Quality.Tier.String()).
				Float64("loss_pct", ev.Quality.LossPercent).
				Dur("rtt", ev.Quality.RTT).
				Dur("jitter", ev.Quality.Jitter).
				Msg("link quality")
		case core.EventTranscript:
			fmt.Printf("[%s] %s: %s\n", ev.Transcript.Timestamp.Format("15:04:05"), ev.Transcript.Speaker, ev.Transcript.Text)
		case core.EventNotice:
			log.Warn().Msg(ev.Notice)
		case core.EventError:
			log.Error().Err(ev.Err).Msg("call ended with error")
			return
		}
	}
}

// formatDuration renders M:SS for the end-of-call summary.
func formatDuration(d time.Duration) string {
	total := int(d.Seconds())
	return fmt.Sprintf("%d:%02d", total/60, total%60)
}
