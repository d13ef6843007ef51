// Package signal performs the one-shot SDP offer/answer exchange with
// the AI voice endpoint.
package signal

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/reachlabs/voicebridge/internal/core"
	"github.com/reachlabs/voicebridge/internal/domain"
)

// Exchanger submits the local description and returns the remote one.
// Stateless per call. The ephemeral key is invalidated server-side
// after one use, so every retry needs a fresh key; that loop lives in
// the recovery controller, not here.
type Exchanger struct {
	endpoint string
	model    string
	client   *http.Client
}

func NewExchanger(endpoint, model string, timeout time.Duration) *Exchanger {
	return &Exchanger{
		endpoint: endpoint,
		model:    model,
		client:   &http.Client{Timeout: timeout},
	}
}

func (e *Exchanger) Exchange(ctx context.Context, offerSDP string, key *domain.EphemeralKey) (string, error) {
	u := e.endpoint + "?model=" + e.model
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(offerSDP))
	if err != nil {
		return "", fmt.Errorf("%w: %v", core.ErrHandshakeFailed, err)
	}
	req.Header.Set("Authorization", "Bearer "+key.Value)
	req.Header.Set("Content-Type", "application/sdp")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", core.ErrServer, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
	case resp.StatusCode == http.StatusTooManyRequests:
		log.Warn().Str("module", "signal").Msg("signaling endpoint throttled")
		return "", fmt.Errorf("%w: status %d", core.ErrThrottled, resp.StatusCode)
	case resp.StatusCode >= 500:
		log.Warn().Str("module", "signal").Int("status", resp.StatusCode).Msg("signaling endpoint server error")
		return "", fmt.Errorf("%w: status %d", core.ErrServer, resp.StatusCode)
	default:
		return "", fmt.Errorf("%w: status %d", core.ErrHandshakeFailed, resp.StatusCode)
	}

	answer, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: read answer: %v", core.ErrServer, err)
	}
	if len(answer) == 0 {
		return "", fmt.Errorf("%w: empty answer", core.ErrHandshakeFailed)
	}
	log.Info().Str("module", "signal").Str("key", key.Preview()).Int("answer_bytes", len(answer)).Msg("received remote description")
	return string(answer), nil
}
