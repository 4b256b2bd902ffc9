package session

import (
	"context"
	"sync"
	"time"

	"github.com/compose-network/sponsored-transfer/internal/logger"
	"github.com/compose-network/sponsored-transfer/internal/wallet"
	"github.com/ethereum/go-ethereum/event"
)

const DefaultPollInterval = time.Second

// Event is published whenever the observed session state changes. The first
// observation is always published.
type Event struct {
	Active bool
	At     time.Time
}

// Watcher turns the SDK's session state into a stream of Events. SDKs that
// push changes are subscribed to; all others are polled.
type Watcher struct {
	sdk      wallet.SDK
	interval time.Duration
	feed     event.Feed
	log      *logger.Logger
	recheck  chan struct{}

	mu     sync.Mutex
	known  bool
	active bool
}

func NewWatcher(sdk wallet.SDK, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Watcher{
		sdk:      sdk,
		interval: interval,
		log:      logger.Named("session"),
		recheck:  make(chan struct{}, 1),
	}
}

func (w *Watcher) Interval() time.Duration {
	return w.interval
}

// Reset forgets the last observed state and checks the SDK again right away,
// so the next observation is published even if it matches the old one.
func (w *Watcher) Reset() {
	w.mu.Lock()
	w.known = false
	w.mu.Unlock()
	select {
	case w.recheck <- struct{}{}:
	default:
	}
}

func (w *Watcher) Subscribe(ch chan<- Event) event.Subscription {
	return w.feed.Subscribe(ch)
}

// Run blocks until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	if sub, ok := w.sdk.(wallet.Subscriber); ok {
		w.follow(ctx, sub)
		return
	}
	w.poll(ctx)
}

func (w *Watcher) poll(ctx context.Context) {
	w.log.Debug("polling session state every %s", w.interval)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.check(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-w.recheck:
		}
	}
}

func (w *Watcher) follow(ctx context.Context, s wallet.Subscriber) {
	w.log.Debug("subscribing to session events")
	ch := make(chan wallet.SessionEvent, 8)
	sub := s.SubscribeSession(ch)
	defer sub.Unsubscribe()

	// the SDK only reports changes, so read the starting state once
	w.check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-sub.Err():
			if err != nil {
				w.log.Error("session subscription failed: %v", err)
			}
			return
		case ev := <-ch:
			w.observe(ev.Active)
		case <-w.recheck:
			w.check(ctx)
		}
	}
}

func (w *Watcher) check(ctx context.Context) {
	active, err := w.sdk.IsSessionActive(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.log.Error("failed to check session: %v", err)
		}
		return
	}
	w.observe(active)
}

func (w *Watcher) observe(active bool) {
	w.mu.Lock()
	if w.known && w.active == active {
		w.mu.Unlock()
		return
	}
	w.known, w.active = true, active
	w.mu.Unlock()
	w.log.Info("session is now active=%t", active)
	w.feed.Send(Event{Active: active, At: time.Now()})
}
