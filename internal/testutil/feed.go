package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/Baaaki/bazaar-inbox/internal/broker"
	"github.com/google/uuid"
)

// MemoryFeed is an in-process broker.ChangeFeed. Callbacks run on their own
// goroutine, as they do with Redis.
type MemoryFeed struct {
	mu        sync.Mutex
	subs      map[*memorySubscription]struct{}
	published []broker.ChangeEvent
}

func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{subs: make(map[*memorySubscription]struct{})}
}

type memorySubscription struct {
	feed *MemoryFeed
	opts broker.SubscribeOptions
}

func (s *memorySubscription) Channel() string { return s.opts.ChannelName }

func (s *memorySubscription) Close() error {
	s.feed.mu.Lock()
	defer s.feed.mu.Unlock()
	delete(s.feed.subs, s)
	return nil
}

func (f *MemoryFeed) Publish(ctx context.Context, event broker.ChangeEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}

	f.mu.Lock()
	f.published = append(f.published, event)
	var targets []broker.SubscribeOptions
	for sub := range f.subs {
		for _, participant := range event.Participants {
			if sub.opts.ChannelName == broker.ChannelFor(event.Table, participant) &&
				(sub.opts.Table == "" || sub.opts.Table == event.Table) {
				targets = append(targets, sub.opts)
			}
		}
	}
	f.mu.Unlock()

	for _, opts := range targets {
		go opts.Callback(event)
	}
	return nil
}

// Deliver hands event straight to every subscriber on channel, skipping the
// participant fan-out. Tests use it to forge events.
func (f *MemoryFeed) Deliver(channel string, event broker.ChangeEvent) {
	f.mu.Lock()
	var targets []broker.SubscribeOptions
	for sub := range f.subs {
		if sub.opts.ChannelName == channel {
			targets = append(targets, sub.opts)
		}
	}
	f.mu.Unlock()

	for _, opts := range targets {
		go opts.Callback(event)
	}
}

func (f *MemoryFeed) Subscribe(ctx context.Context, opts broker.SubscribeOptions) (broker.Subscription, error) {
	sub := &memorySubscription{feed: f, opts: opts}
	f.mu.Lock()
	f.subs[sub] = struct{}{}
	f.mu.Unlock()
	return sub, nil
}

func (f *MemoryFeed) Unsubscribe(sub broker.Subscription) error {
	if sub == nil {
		return nil
	}
	return sub.Close()
}

// Published returns a copy of every event published so far.
func (f *MemoryFeed) Published() []broker.ChangeEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]broker.ChangeEvent(nil), f.published...)
}

// Subscribers counts live subscriptions.
func (f *MemoryFeed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}
