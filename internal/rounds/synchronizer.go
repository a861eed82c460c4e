// Package rounds keeps the public "current round" snapshot in step with the
// backend. A fixed poll and a push subscription both call the same
// fetch-and-replace refresh; the poll is the backstop for missed pushes.
package rounds

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"aviatorclient/internal/backend"
	"aviatorclient/internal/metrics"
)

const (
	DefaultPollInterval = 3 * time.Second

	TriggerStart  = "start"
	TriggerPoll   = "poll"
	TriggerPush   = "push"
	TriggerManual = "manual"
)

var ErrAlreadyStarted = errors.New("rounds: synchronizer already started")

// RoundsTable is the collection whose changes trigger an immediate refresh.
var RoundsTable = backend.Subscription{
	Name:   "round-updates",
	Schema: "public",
	Table:  "game_rounds",
	Event:  backend.EventAll,
}

type Option func(*Synchronizer)

// WithClock replaces the real clock, letting tests drive the poll.
func WithClock(c clockwork.Clock) Option {
	return func(s *Synchronizer) { s.clock = c }
}

func WithInterval(d time.Duration) Option {
	return func(s *Synchronizer) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithOnChange registers a callback run after every replaced snapshot.
func WithOnChange(fn func()) Option {
	return func(s *Synchronizer) { s.onChange = fn }
}

type Synchronizer struct {
	source   backend.RoundSource
	feed     backend.ChangeFeed
	clock    clockwork.Clock
	interval time.Duration
	log      *zap.Logger
	onChange func()

	mu      sync.RWMutex
	current *Round

	lifecycleMu sync.Mutex
	running     bool
	cancel      context.CancelFunc
	unsubscribe backend.Unsubscribe

	trigMu  sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

func New(source backend.RoundSource, feed backend.ChangeFeed, log *zap.Logger, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		source:   source,
		feed:     feed,
		clock:    clockwork.NewRealClock(),
		interval: DefaultPollInterval,
		log:      log.Named("rounds"),
		onChange: func() {},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start fetches once, subscribes to round changes and starts the poll. A
// failed subscription is logged and the poll carries on alone.
func (s *Synchronizer) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if s.running {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	s.trigMu.Lock()
	s.stopped = false
	s.trigMu.Unlock()

	unsub, err := s.feed.Subscribe(ctx, RoundsTable, func(ev backend.ChangeEvent) {
		metrics.ChangeNotifications.WithLabelValues(ev.Table, metrics.Applied(true)).Inc()
		s.trigger(ctx, TriggerPush)
	})
	if err != nil {
		s.log.Warn("round change subscription failed, relying on poll", zap.Error(err))
	} else {
		s.unsubscribe = unsub
	}

	ticker := s.clock.NewTicker(s.interval)
	s.wg.Add(1)
	go s.pollLoop(ctx, ticker)

	s.trigger(ctx, TriggerStart)

	s.log.Info("round synchronizer started", zap.Duration("interval", s.interval))
	return nil
}

// Stop clears the poll timer and releases the subscription before returning.
func (s *Synchronizer) Stop() {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if !s.running {
		return
	}

	s.trigMu.Lock()
	s.stopped = true
	s.trigMu.Unlock()

	s.cancel()
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	s.wg.Wait()
	s.running = false

	s.log.Info("round synchronizer stopped")
}

// Refresh fetches the current round and replaces the snapshot wholesale.
func (s *Synchronizer) Refresh(ctx context.Context) error {
	return s.refresh(ctx, TriggerManual)
}

// Current returns a copy of the latest snapshot, or nil before the first
// successful fetch.
func (s *Synchronizer) Current() *Round {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return nil
	}
	r := *s.current
	return &r
}

// CurrentID returns the id of the current round, nil when none is known.
func (s *Synchronizer) CurrentID() *string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil || s.current.ID == "" {
		return nil
	}
	id := s.current.ID
	return &id
}

func (s *Synchronizer) pollLoop(ctx context.Context, ticker clockwork.Ticker) {
	defer s.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			_ = s.refresh(ctx, TriggerPoll)
		}
	}
}

// trigger runs a refresh on its own goroutine so push delivery never waits on
// the network. Overlapping refreshes are allowed; the last to finish wins.
func (s *Synchronizer) trigger(ctx context.Context, trigger string) {
	s.trigMu.Lock()
	defer s.trigMu.Unlock()
	if s.stopped {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.refresh(ctx, trigger)
	}()
}

func (s *Synchronizer) refresh(ctx context.Context, trigger string) error {
	raw, err := s.source.FetchCurrentRound(ctx)
	if err != nil {
		metrics.RoundRefreshes.WithLabelValues(trigger, "error").Inc()
		if ctx.Err() == nil {
			s.log.Warn("failed to load round data", zap.String("trigger", trigger), zap.Error(err))
		}
		return err
	}
	if raw == nil {
		// No current round; the previous snapshot stays on display.
		metrics.RoundRefreshes.WithLabelValues(trigger, "empty").Inc()
		return nil
	}

	r := Normalize(raw)

	s.mu.Lock()
	s.current = &r
	s.mu.Unlock()

	metrics.RoundRefreshes.WithLabelValues(trigger, "ok").Inc()
	s.log.Debug("round replaced",
		zap.String("trigger", trigger),
		zap.String("round_id", r.ID),
		zap.String("phase", string(r.Phase)),
	)
	s.onChange()
	return nil
}
