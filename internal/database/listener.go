package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"aviatorclient/internal/backend"
	"aviatorclient/internal/metrics"
)

// ChangeChannel is the NOTIFY channel the table triggers publish on.
const ChangeChannel = "table_changes"

type listenSub struct {
	sub     backend.Subscription
	handler backend.ChangeHandler

	mu     sync.RWMutex
	closed bool
}

func (ls *listenSub) deliver(ev backend.ChangeEvent) {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	if ls.closed {
		return
	}
	ls.handler(ev)
}

func (ls *listenSub) close() {
	ls.mu.Lock()
	ls.closed = true
	ls.mu.Unlock()
}

// Listener holds one dedicated connection in LISTEN mode and fans each
// notification out to matching subscriptions. Filters are applied here,
// since NOTIFY has no server-side filtering.
type Listener struct {
	dsn string
	log *zap.Logger

	mu     sync.Mutex
	subs   map[int]*listenSub
	nextID int
	cancel context.CancelFunc
	done   chan struct{}
}

func NewListener(dsn string, log *zap.Logger) *Listener {
	return &Listener{
		dsn:  dsn,
		log:  log.Named("listener"),
		subs: make(map[int]*listenSub),
	}
}

func (l *Listener) Subscribe(ctx context.Context, sub backend.Subscription, handler backend.ChangeHandler) (backend.Unsubscribe, error) {
	if err := l.ensureListening(ctx); err != nil {
		return nil, err
	}

	ls := &listenSub{sub: sub, handler: handler}
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.subs[id] = ls
	l.mu.Unlock()

	l.log.Info("subscribed", zap.String("name", sub.Name), zap.String("table", sub.Table), zap.String("filter", sub.Filter.String()))

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, id)
			l.mu.Unlock()
			ls.close()
		})
	}, nil
}

// Close stops listening and waits for the receive loop to exit.
func (l *Listener) Close() error {
	l.mu.Lock()
	cancel := l.cancel
	done := l.done
	l.cancel = nil
	l.done = nil
	subs := l.subs
	l.subs = make(map[int]*listenSub)
	l.mu.Unlock()

	for _, ls := range subs {
		ls.close()
	}
	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

func (l *Listener) ensureListening(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done != nil {
		return nil
	}

	conn, err := pgx.Connect(ctx, l.dsn)
	if err != nil {
		return fmt.Errorf("listener connect: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+ChangeChannel); err != nil {
		_ = conn.Close(context.Background())
		return fmt.Errorf("listen %s: %w", ChangeChannel, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	l.cancel = cancel
	l.done = done
	go l.receive(loopCtx, conn, done)

	l.log.Info("listening", zap.String("channel", ChangeChannel))
	return nil
}

func (l *Listener) receive(ctx context.Context, conn *pgx.Conn, done chan struct{}) {
	defer close(done)
	defer conn.Close(context.Background())

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				l.log.Warn("listener connection lost", zap.Error(err))
				l.forget(done)
			}
			return
		}

		var ev backend.ChangeEvent
		if err := json.Unmarshal([]byte(n.Payload), &ev); err != nil {
			l.log.Warn("undecodable notification", zap.Error(err))
			continue
		}
		l.dispatch(ev)
	}
}

func (l *Listener) dispatch(ev backend.ChangeEvent) {
	l.mu.Lock()
	targets := make([]*listenSub, 0, len(l.subs))
	for _, ls := range l.subs {
		if ls.sub.Table != ev.Table || !ls.sub.Matches(ev.Type) {
			continue
		}
		if ls.sub.Schema != "" && ev.Schema != "" && ls.sub.Schema != ev.Schema {
			continue
		}
		if !ev.MatchesFilter(ls.sub.Filter) {
			metrics.ChangeNotifications.WithLabelValues(ev.Table, metrics.Applied(false)).Inc()
			continue
		}
		targets = append(targets, ls)
	}
	l.mu.Unlock()

	for _, ls := range targets {
		ls.deliver(ev)
	}
}

// forget drops a dead connection so the next Subscribe reconnects. Existing
// subscriptions go quiet.
func (l *Listener) forget(done chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done != done {
		return
	}
	if l.cancel != nil {
		l.cancel()
	}
	l.cancel = nil
	l.done = nil
	for id, ls := range l.subs {
		ls.close()
		delete(l.subs, id)
	}
}
