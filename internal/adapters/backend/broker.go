// Package backend is the HTTP client for the credential API: relay
// credentials, ephemeral signaling keys, and transcription tokens.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/reachlabs/voicebridge/internal/core"
	"github.com/reachlabs/voicebridge/internal/domain"
)

// Broker performs single bounded round trips against the backend. It
// never retries; backoff state stays centralized in the recovery
// controller.
type Broker struct {
	baseURL string
	client  *http.Client
}

func NewBroker(baseURL string, timeout time.Duration) *Broker {
	return &Broker{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type errorPayload struct {
	Detail string `json:"detail"`
}

type relayResponse struct {
	TTL      int64                `json:"ttl"`
	IssuedAt int64                `json:"issued_at"`
	Servers  []domain.RelayServer `json:"servers"`
}

type ephemeralResponse struct {
	ClientSecret struct {
		Value string `json:"value"`
	} `json:"client_secret"`
	TTL int64 `json:"ttl"`
}

type transcriptionResponse struct {
	Token string `json:"token"`
}

func (b *Broker) RelayCredentials(ctx context.Context, accountToken string) (*domain.RelayCredential, error) {
	var resp relayResponse
	if err := b.get(ctx, "/webrtc/credentials", nil, accountToken, &resp); err != nil {
		return nil, err
	}
	cred := &domain.RelayCredential{
		Servers:  resp.Servers,
		TTL:      time.Duration(resp.TTL) * time.Second,
		IssuedAt: time.Unix(resp.IssuedAt, 0),
	}
	if resp.IssuedAt == 0 {
		cred.IssuedAt = time.Now()
	}
	log.Info().Str("module", "backend").Int("servers", len(cred.Servers)).Msg("fetched relay credentials")
	return cred, nil
}

func (b *Broker) EphemeralKey(ctx context.Context, accountToken string, sid domain.SessionID) (*domain.EphemeralKey, error) {
	q := url.Values{"session_id": {string(sid)}}
	var resp ephemeralResponse
	if err := b.get(ctx, "/realtime/token", q, accountToken, &resp); err != nil {
		return nil, err
	}
	key := &domain.EphemeralKey{
		Value:    resp.ClientSecret.Value,
		TTL:      time.Duration(resp.TTL) * time.Second,
		IssuedAt: time.Now(),
	}
	log.Info().Str("module", "backend").Str("sid", string(sid)).Str("key", key.Preview()).Msg("fetched ephemeral key")
	return key, nil
}

func (b *Broker) TranscriptionToken(ctx context.Context, accountToken string) (string, error) {
	var resp transcriptionResponse
	if err := b.get(ctx, "/transcription/token", nil, accountToken, &resp); err != nil {
		return "", err
	}
	log.Info().Str("module", "backend").Str("token", domain.TokenPreview(resp.Token)).Msg("fetched transcription token")
	return resp.Token, nil
}

func (b *Broker) get(ctx context.Context, path string, q url.Values, accountToken string, out any) error {
	u := b.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrUnavailable, err)
	}
	req.Header.Set("Authorization", "Bearer "+accountToken)
	req.Header.Set("Accept", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return b.asError(path, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", core.ErrUnavailable, path, err)
	}
	return nil
}

func (b *Broker) asError(path string, resp *http.Response) error {
	var payload errorPayload
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = json.Unmarshal(body, &payload)
	detail := payload.Detail
	if detail == "" {
		detail = resp.Status
	}

	var base error
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		base = core.ErrAuthFailed
	case resp.StatusCode == http.StatusNotFound:
		base = core.ErrNotFound
	default:
		base = core.ErrUnavailable
	}
	log.Warn().Str("module", "backend").Str("path", path).Int("status", resp.StatusCode).Str("detail", detail).Msg("backend request failed")
	return fmt.Errorf("%w: %s: %s", base, path, detail)
}
