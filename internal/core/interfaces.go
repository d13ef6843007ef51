package core

import (
	"context"

	"github.com/reachlabs/voicebridge/internal/domain"
)

// Frame is a raw binary payload: little-endian 16-bit mono PCM.
type Frame []byte

// PCMFeed is a live audio feed lent (not copied) to subscribers.
// Slow subscribers lose frames; they never stall the producer.
type PCMFeed interface {
	// Subscribe registers a named tap and returns its frame channel plus
	// a cancel func. The channel is closed when the feed shuts down.
	Subscribe(name string) (<-chan Frame, func())
	// Ready is closed once the feed has a live source.
	Ready() <-chan struct{}
}

// CredentialBroker fetches short-lived credentials from the backend.
// No retry inside; retry policy belongs to the caller.
type CredentialBroker interface {
	RelayCredentials(ctx context.Context, accountToken string) (*domain.RelayCredential, error)
	EphemeralKey(ctx context.Context, accountToken string, sid domain.SessionID) (*domain.EphemeralKey, error)
	TranscriptionToken(ctx context.Context, accountToken string) (string, error)
}

// Exchanger performs the one-shot SDP offer/answer exchange with the AI
// voice endpoint. Stateless per call; retried by the caller, each retry
// with a freshly fetched ephemeral key.
type Exchanger interface {
	Exchange(ctx context.Context, offerSDP string, key *domain.EphemeralKey) (string, error)
}

// LinkStats is a raw transport reading; the quality monitor derives the
// tier from it.
type LinkStats struct {
	PacketsReceived uint64
	PacketsLost     int64
	RTTSeconds      float64
	JitterSeconds   float64
}

// MediaLink wraps one peer transport instance. One live link per
// session: replaced wholesale on full rebuild, mutated in place on ICE
// restart.
type MediaLink interface {
	// Offer builds the local description and waits for candidate
	// gathering, bounded; it returns whatever candidates are available
	// at the ceiling rather than blocking.
	Offer(ctx context.Context) (string, error)
	// RestartOffer is Offer with the ICE-restart flag set, reusing the
	// existing transport.
	RestartOffer(ctx context.Context) (string, error)
	ApplyAnswer(sdp string) error

	// LocalFeed and RemoteFeed lend the two live audio feeds. The remote
	// feed becomes Ready only after the first inbound track.
	LocalFeed() PCMFeed
	RemoteFeed() PCMFeed

	// Events delivers transport edges until the link closes.
	Events() <-chan TransportEvent
	Generation() uint64

	SetMuted(muted bool)
	Stats() (LinkStats, error)
	Close() error
}

// MediaFactory owns the per-session capture and playback devices and
// builds media links over them. AcquireMedia fails with
// ErrMediaUnavailable when no device or permission exists; links built
// afterwards borrow the same devices, so a full rebuild does not
// re-prompt for the microphone.
type MediaFactory interface {
	AcquireMedia() error
	NewLink(ctx context.Context, cred *domain.RelayCredential) (MediaLink, error)
	ReleaseMedia()
}

// Transcriber streams PCM frames to a speech-to-text service and yields
// finalized transcript text in arrival order. It returns once the
// context is cancelled, the input channel closes, or the connection
// drops.
type Transcriber interface {
	Stream(ctx context.Context, token string, pcm <-chan Frame, finals chan<- string) error
}
