package core

import "errors"

// Error taxonomy for the connection orchestrator. Components wrap these
// with %w so callers can branch on errors.Is.
var (
	// ErrMediaUnavailable is fatal: no capture device or permission denied.
	ErrMediaUnavailable = errors.New("media unavailable")

	// ErrAuthFailed is fatal: the backend rejected the account token.
	ErrAuthFailed = errors.New("auth failed")

	// ErrNotFound means the backend has no record of the session.
	ErrNotFound = errors.New("not found")

	// ErrUnavailable is a transient backend failure; the caller's retry
	// budget decides what happens next.
	ErrUnavailable = errors.New("backend unavailable")

	// ErrHandshakeFailed is a non-retryable signaling exchange failure.
	ErrHandshakeFailed = errors.New("handshake failed")

	// ErrThrottled is the signaling endpoint's rate-limit signal; retryable.
	ErrThrottled = errors.New("throttled")

	// ErrServer is a 5xx-equivalent from the signaling endpoint; retryable.
	ErrServer = errors.New("server error")

	// ErrRecoveryExhausted is terminal: both repair tiers ran out of budget.
	ErrRecoveryExhausted = errors.New("recovery exhausted")

	// ErrTranscriptionUnavailable degrades captions only, never the call.
	ErrTranscriptionUnavailable = errors.New("transcription unavailable")

	// ErrBackpressure reports a saturated event subscriber.
	ErrBackpressure = errors.New("subscriber backpressure")

	// ErrConnectInFlight rejects re-entrant Connect on the same session.
	ErrConnectInFlight = errors.New("connect already in flight")

	// ErrSessionClosed reports use of an already-ended session.
	ErrSessionClosed = errors.New("session closed")
)
