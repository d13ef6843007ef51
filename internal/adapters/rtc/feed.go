package rtc

import (
	"maps"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/reachlabs/voicebridge/internal/core"
)

const subscriberBuffer = 64

// Feed fans one live PCM source out to independent subscribers. Slow
// subscribers lose frames instead of stalling the producer.
type Feed struct {
	name string

	mu     sync.RWMutex
	subs   map[string]chan core.Frame
	closed bool

	ready     chan struct{}
	readyOnce sync.Once
}

func NewFeed(name string) *Feed {
	return &Feed{
		name:  name,
		subs:  make(map[string]chan core.Frame),
		ready: make(chan struct{}),
	}
}

// Ready is closed on the first published frame.
func (f *Feed) Ready() <-chan struct{} { return f.ready }

func (f *Feed) Subscribe(name string) (<-chan core.Frame, func()) {
	ch := make(chan core.Frame, subscriberBuffer)
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	f.subs[name] = ch
	f.mu.Unlock()

	cancel := func() {
		f.mu.Lock()
		if c, ok := f.subs[name]; ok {
			delete(f.subs, name)
			close(c)
		}
		f.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers a frame to every subscriber. Frames are dropped per
// subscriber when its buffer is full.
func (f *Feed) Publish(frame core.Frame) {
	f.readyOnce.Do(func() { close(f.ready) })

	f.mu.RLock()
	if f.closed {
		f.mu.RUnlock()
		return
	}
	snapshot := make(map[string]chan core.Frame, len(f.subs))
	maps.Copy(snapshot, f.subs)
	f.mu.RUnlock()

	for name, ch := range snapshot {
		select {
		case ch <- frame:
		default:
			log.Debug().Str("module", "rtc.feed").Str("feed", f.name).Str("sub", name).Msg("dropping frame for slow subscriber")
		}
	}
}

// Close shuts the feed down and closes all subscriber channels.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for name, ch := range f.subs {
		delete(f.subs, name)
		close(ch)
	}
}
