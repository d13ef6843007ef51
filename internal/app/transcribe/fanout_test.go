package transcribe

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reachlabs/voicebridge/internal/core"
	"github.com/reachlabs/voicebridge/internal/domain"
)

// fakeFeed is a PCMFeed that is born ready and never delivers frames;
// the fake transcriber drives captions directly.
type fakeFeed struct {
	ready  chan struct{}
	frames chan core.Frame
}

func newFakeFeed() *fakeFeed {
	f := &fakeFeed{ready: make(chan struct{}), frames: make(chan core.Frame)}
	close(f.ready)
	return f
}

func (f *fakeFeed) Subscribe(name string) (<-chan core.Frame, func()) {
	return f.frames, func() {}
}

func (f *fakeFeed) Ready() <-chan struct{} { return f.ready }

// scriptedTranscriber emits a fixed caption list per speaker token and
// then blocks until cancelled.
type scriptedTranscriber struct {
	mu      sync.Mutex
	byToken map[string][]string
	errs    map[string]error
}

func (s *scriptedTranscriber) Stream(ctx context.Context, token string, pcm <-chan core.Frame, finals chan<- string) error {
	s.mu.Lock()
	lines := s.byToken[token]
	err := s.errs[token]
	s.mu.Unlock()

	for _, line := range lines {
		select {
		case finals <- line:
		case <-ctx.Done():
			return nil
		}
	}
	if err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

// tokenBroker hands out a distinct transcription token per call so the
// scripted transcriber can tell the two pipelines apart.
type tokenBroker struct {
	mu     sync.Mutex
	tokens []string
	errs   []error
	calls  int
}

func (b *tokenBroker) TranscriptionToken(ctx context.Context, accountToken string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := b.calls
	b.calls++
	if i < len(b.errs) && b.errs[i] != nil {
		return "", b.errs[i]
	}
	if i < len(b.tokens) {
		return b.tokens[i], nil
	}
	return "tt-extra", nil
}

func (b *tokenBroker) RelayCredentials(ctx context.Context, accountToken string) (*domain.RelayCredential, error) {
	return nil, nil
}

func (b *tokenBroker) EphemeralKey(ctx context.Context, accountToken string, sid domain.SessionID) (*domain.EphemeralKey, error) {
	return nil, nil
}

func collectEvents(t *testing.T, out <-chan domain.TranscriptEvent, n int) []domain.TranscriptEvent {
	t.Helper()
	var events []domain.TranscriptEvent
	deadline := time.After(2 * time.Second)
	for len(events) < n {
		select {
		case ev := <-out:
			events = append(events, ev)
		case <-deadline:
			t.Fatalf("got %d events, want %d", len(events), n)
		}
	}
	return events
}

func TestFanoutDedupesPerSpeaker(t *testing.T) {
	broker := &tokenBroker{tokens: []string{"tt-a", "tt-a"}}
	tr := &scriptedTranscriber{byToken: map[string][]string{
		"tt-a": {"hello", "hello", "  ", "world"},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan domain.TranscriptEvent, 16)

	f := NewFanout(broker, tr, 0)
	done := make(chan struct{})
	go func() {
		f.Run(ctx, "tok", newFakeFeed(), newFakeFeed(), out, func(error) {})
		close(done)
	}()

	// Both pipelines share the same script: two distinct captions each.
	events := collectEvents(t, out, 4)
	perSpeaker := map[domain.Speaker][]string{}
	for _, ev := range events {
		perSpeaker[ev.Speaker] = append(perSpeaker[ev.Speaker], ev.Text)
	}
	assert.Equal(t, []string{"hello", "world"}, perSpeaker[domain.SpeakerUser])
	assert.Equal(t, []string{"hello", "world"}, perSpeaker[domain.SpeakerAI])

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fanout did not stop on cancel")
	}
}

func TestFanoutTokenFailureDegradesOnePipeline(t *testing.T) {
	broker := &tokenBroker{
		tokens: []string{"", "tt-b"},
		errs:   []error{core.ErrAuthFailed, nil},
	}
	tr := &scriptedTranscriber{byToken: map[string][]string{
		"tt-b": {"still here"},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan domain.TranscriptEvent, 16)

	var mu sync.Mutex
	var notices []error
	notify := func(err error) {
		mu.Lock()
		notices = append(notices, err)
		mu.Unlock()
	}

	f := NewFanout(broker, tr, 0)
	go f.Run(ctx, "tok", newFakeFeed(), newFakeFeed(), out, notify)

	// The surviving pipeline still produces its caption.
	events := collectEvents(t, out, 1)
	assert.Equal(t, "still here", events[0].Text)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(notices) == 1
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.ErrorIs(t, notices[0], core.ErrTranscriptionUnavailable)
	mu.Unlock()
}

func TestFanoutStreamFailureNotifiesOnce(t *testing.T) {
	broker := &tokenBroker{tokens: []string{"tt-c", "tt-c"}}
	tr := &scriptedTranscriber{
		byToken: map[string][]string{"tt-c": {"one"}},
		errs:    map[string]error{"tt-c": core.ErrTranscriptionUnavailable},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan domain.TranscriptEvent, 16)

	var mu sync.Mutex
	notices := 0
	notify := func(err error) {
		mu.Lock()
		notices++
		mu.Unlock()
	}

	f := NewFanout(broker, tr, 0)
	done := make(chan struct{})
	go func() {
		f.Run(ctx, "tok", newFakeFeed(), newFakeFeed(), out, notify)
		close(done)
	}()

	// Both pipelines end with the same stream error; each notifies once.
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fanout did not finish after stream errors")
	}
	mu.Lock()
	assert.Equal(t, 2, notices)
	mu.Unlock()
}

func TestFanoutWaitsForStartDelay(t *testing.T) {
	broker := &tokenBroker{tokens: []string{"tt-d", "tt-d"}}
	tr := &scriptedTranscriber{byToken: map[string][]string{"tt-d": {"late"}}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan domain.TranscriptEvent, 16)

	start := time.Now()
	f := NewFanout(broker, tr, 50*time.Millisecond)
	go f.Run(ctx, "tok", newFakeFeed(), newFakeFeed(), out, func(error) {})

	events := collectEvents(t, out, 1)
	assert.Equal(t, "late", events[0].Text)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}
