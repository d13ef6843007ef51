package backend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reachlabs/voicebridge/internal/core"
)

func newBrokerServer(t *testing.T, handler http.HandlerFunc) (*Broker, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewBroker(srv.URL, 2*time.Second), srv
}

func TestRelayCredentials(t *testing.T) {
	var gotAuth string
	broker, _ := newBrokerServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		assert.Equal(t, "/webrtc/credentials", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ttl": 600, "issued_at": 1700000000, "servers": [{"urls": ["turn:relay.example.com:3478"], "username": "u", "credential": "p"}]}`))
	})

	cred, err := broker.RelayCredentials(context.Background(), "acct-token")
	require.NoError(t, err)
	assert.Equal(t, "Bearer acct-token", gotAuth)
	require.Len(t, cred.Servers, 1)
	assert.Equal(t, []string{"turn:relay.example.com:3478"}, cred.Servers[0].URLs)
	assert.Equal(t, 600*time.Second, cred.TTL)
	assert.False(t, cred.Expired(cred.IssuedAt.Add(time.Minute)))
	assert.True(t, cred.Expired(cred.IssuedAt.Add(11*time.Minute)))
}

func TestEphemeralKey(t *testing.T) {
	broker, _ := newBrokerServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/realtime/token", r.URL.Path)
		assert.Equal(t, "sess-42", r.URL.Query().Get("session_id"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"client_secret": {"value": "ek_secret"}, "ttl": 60}`))
	})

	key, err := broker.EphemeralKey(context.Background(), "acct-token", "sess-42")
	require.NoError(t, err)
	assert.Equal(t, "ek_secret", key.Value)
}

func TestTranscriptionToken(t *testing.T) {
	broker, _ := newBrokerServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transcription/token", r.URL.Path)
		_, _ = w.Write([]byte(`{"token": "tt_abc"}`))
	})

	token, err := broker.TranscriptionToken(context.Background(), "acct-token")
	require.NoError(t, err)
	assert.Equal(t, "tt_abc", token)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"unauthorized", http.StatusUnauthorized, `{"detail": "token expired"}`, core.ErrAuthFailed},
		{"forbidden", http.StatusForbidden, `{"detail": "nope"}`, core.ErrAuthFailed},
		{"not found", http.StatusNotFound, `{"detail": "unknown session"}`, core.ErrNotFound},
		{"server error", http.StatusInternalServerError, `{"detail": "boom"}`, core.ErrUnavailable},
		{"no json body", http.StatusBadGateway, `gateway timeout`, core.ErrUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			broker, _ := newBrokerServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := broker.RelayCredentials(context.Background(), "t")
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestUnreachableBackend(t *testing.T) {
	broker := NewBroker("http://127.0.0.1:1", 500*time.Millisecond)
	_, err := broker.EphemeralKey(context.Background(), "t", "s")
	require.ErrorIs(t, err, core.ErrUnavailable)
}
