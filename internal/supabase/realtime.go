package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"aviatorclient/internal/backend"
)

const (
	heartbeatInterval = 25 * time.Second
	joinTimeout       = 10 * time.Second
	writeTimeout      = 5 * time.Second

	phxJoin      = "phx_join"
	phxLeave     = "phx_leave"
	phxReply     = "phx_reply"
	phxError     = "phx_error"
	phxClose     = "phx_close"
	phxHeartbeat = "heartbeat"
	eventChanges = "postgres_changes"
	eventToken   = "access_token"
	eventSystem  = "system"
)

var ErrRealtimeClosed = errors.New("supabase: realtime connection closed")

// phxMessage is one Phoenix channel frame.
type phxMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     *string         `json:"ref"`
	JoinRef *string         `json:"join_ref,omitempty"`
}

type replyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type changeFilter struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

type joinPayload struct {
	Config struct {
		Broadcast struct {
			Self bool `json:"self"`
		} `json:"broadcast"`
		Presence struct {
			Key string `json:"key"`
		} `json:"presence"`
		PostgresChanges []changeFilter `json:"postgres_changes"`
	} `json:"config"`
	AccessToken string `json:"access_token,omitempty"`
}

type changePayload struct {
	Data struct {
		Schema    string          `json:"schema"`
		Table     string          `json:"table"`
		Type      string          `json:"type"`
		Record    json.RawMessage `json:"record"`
		OldRecord json.RawMessage `json:"old_record"`
	} `json:"data"`
}

type channel struct {
	topic   string
	joinRef string
	sub     backend.Subscription
	handler backend.ChangeHandler

	// mu is held for reading while the handler runs, so closing the channel
	// waits for an in-flight delivery.
	mu     sync.RWMutex
	closed bool
}

func (ch *channel) deliver(ev backend.ChangeEvent) {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	if ch.closed {
		return
	}
	ch.handler(ev)
}

func (ch *channel) close() {
	ch.mu.Lock()
	ch.closed = true
	ch.mu.Unlock()
}

// Realtime is a single websocket multiplexing one Phoenix channel per
// subscription. The connection is dialled on first use. A dropped connection
// is not re-established until the next Subscribe; callers that need freshness
// must keep their own poll.
type Realtime struct {
	url    string
	dialer *websocket.Dialer
	clock  clockwork.Clock
	log    *zap.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	conn     *websocket.Conn
	done     chan struct{}
	channels map[string]*channel
	pending  map[string]chan replyPayload
	ref      uint64
	token    string
	wg       sync.WaitGroup
}

func NewRealtime(url string, clock clockwork.Clock, log *zap.Logger) *Realtime {
	return &Realtime{
		url:      url,
		dialer:   websocket.DefaultDialer,
		clock:    clock,
		log:      log.Named("realtime"),
		channels: make(map[string]*channel),
		pending:  make(map[string]chan replyPayload),
	}
}

// SetAccessToken changes the token presented to row-level security. Joined
// channels are told immediately; later joins carry it in their payload.
func (r *Realtime) SetAccessToken(token string) {
	r.mu.Lock()
	r.token = token
	conn := r.conn
	topics := make([]string, 0, len(r.channels))
	for t := range r.channels {
		topics = append(topics, t)
	}
	r.mu.Unlock()

	if conn == nil || token == "" {
		return
	}
	payload, _ := json.Marshal(map[string]string{"access_token": token})
	for _, t := range topics {
		if err := r.send(conn, phxMessage{Topic: t, Event: eventToken, Payload: payload, Ref: r.nextRef()}); err != nil {
			r.log.Debug("access token push failed", zap.String("topic", t), zap.Error(err))
		}
	}
}

// Subscribe joins a channel for sub and waits for the server to accept it.
func (r *Realtime) Subscribe(ctx context.Context, sub backend.Subscription, handler backend.ChangeHandler) (backend.Unsubscribe, error) {
	conn, err := r.connect(ctx)
	if err != nil {
		return nil, err
	}

	event := string(sub.Event)
	if event == "" {
		event = string(backend.EventAll)
	}
	var jp joinPayload
	jp.Config.PostgresChanges = []changeFilter{{
		Event:  event,
		Schema: sub.Schema,
		Table:  sub.Table,
		Filter: sub.Filter.String(),
	}}

	ref := r.nextRef()
	replies := make(chan replyPayload, 1)

	r.mu.Lock()
	topic := r.uniqueTopicLocked("realtime:" + sub.Name)
	ch := &channel{topic: topic, joinRef: *ref, sub: sub, handler: handler}
	jp.AccessToken = r.token
	r.channels[topic] = ch
	r.pending[*ref] = replies
	r.mu.Unlock()

	payload, err := json.Marshal(jp)
	if err != nil {
		r.drop(topic, *ref)
		return nil, fmt.Errorf("encode join: %w", err)
	}
	if err := r.send(conn, phxMessage{Topic: topic, Event: phxJoin, Payload: payload, Ref: ref, JoinRef: ref}); err != nil {
		r.drop(topic, *ref)
		return nil, fmt.Errorf("join %s: %w", topic, err)
	}

	timeout := r.clock.NewTimer(joinTimeout)
	defer timeout.Stop()

	select {
	case rep, ok := <-replies:
		if !ok {
			r.drop(topic, *ref)
			return nil, ErrRealtimeClosed
		}
		if rep.Status != "ok" {
			r.drop(topic, *ref)
			return nil, fmt.Errorf("join %s rejected: %s %s", topic, rep.Status, string(rep.Response))
		}
	case <-timeout.Chan():
		r.drop(topic, *ref)
		return nil, fmt.Errorf("join %s: timed out", topic)
	case <-ctx.Done():
		r.drop(topic, *ref)
		return nil, ctx.Err()
	}

	r.log.Info("channel joined", zap.String("topic", topic), zap.String("table", sub.Table), zap.String("filter", sub.Filter.String()))

	var once sync.Once
	return func() {
		once.Do(func() { r.leave(ch) })
	}, nil
}

// Close leaves every channel and closes the connection. Handlers do not run
// after Close returns.
func (r *Realtime) Close() error {
	r.mu.Lock()
	conn := r.conn
	done := r.done
	r.conn = nil
	r.done = nil
	channels := r.channels
	r.channels = make(map[string]*channel)
	pending := r.pending
	r.pending = make(map[string]chan replyPayload)
	r.mu.Unlock()

	for _, replies := range pending {
		close(replies)
	}
	for _, ch := range channels {
		ch.close()
	}
	if conn == nil {
		return nil
	}

	close(done)
	r.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	r.writeMu.Unlock()
	err := conn.Close()
	r.wg.Wait()
	return err
}

func (r *Realtime) connect(ctx context.Context) (*websocket.Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		return r.conn, nil
	}

	conn, _, err := r.dialer.DialContext(ctx, r.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial realtime: %w", err)
	}
	r.conn = conn
	r.done = make(chan struct{})

	r.wg.Add(2)
	go r.readLoop(conn)
	go r.heartbeatLoop(conn, r.done)

	r.log.Info("realtime connected")
	return conn, nil
}

func (r *Realtime) leave(ch *channel) {
	ch.close()

	r.mu.Lock()
	cur, ok := r.channels[ch.topic]
	if ok && cur == ch {
		delete(r.channels, ch.topic)
	}
	conn := r.conn
	r.mu.Unlock()

	if conn == nil || !ok {
		return
	}
	if err := r.send(conn, phxMessage{Topic: ch.topic, Event: phxLeave, Payload: json.RawMessage("{}"), Ref: r.nextRef(), JoinRef: &ch.joinRef}); err != nil {
		r.log.Debug("leave failed", zap.String("topic", ch.topic), zap.Error(err))
	}
	r.log.Info("channel left", zap.String("topic", ch.topic))
}

func (r *Realtime) drop(topic, ref string) {
	r.mu.Lock()
	ch := r.channels[topic]
	delete(r.channels, topic)
	delete(r.pending, ref)
	r.mu.Unlock()

	if ch != nil {
		ch.close()
	}
}

func (r *Realtime) uniqueTopicLocked(base string) string {
	topic := base
	for i := 2; ; i++ {
		if _, taken := r.channels[topic]; !taken {
			return topic
		}
		topic = base + "-" + strconv.Itoa(i)
	}
}

func (r *Realtime) nextRef() *string {
	r.mu.Lock()
	r.ref++
	ref := strconv.FormatUint(r.ref, 10)
	r.mu.Unlock()
	return &ref
}

func (r *Realtime) send(conn *websocket.Conn, msg phxMessage) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(msg)
}

func (r *Realtime) heartbeatLoop(conn *websocket.Conn, done chan struct{}) {
	defer r.wg.Done()
	ticker := r.clock.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.Chan():
			msg := phxMessage{Topic: "phoenix", Event: phxHeartbeat, Payload: json.RawMessage("{}"), Ref: r.nextRef()}
			if err := r.send(conn, msg); err != nil {
				r.log.Warn("heartbeat failed", zap.Error(err))
				return
			}
		}
	}
}

func (r *Realtime) readLoop(conn *websocket.Conn) {
	defer r.wg.Done()
	defer r.disconnected(conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				r.log.Warn("realtime read failed", zap.Error(err))
			}
			return
		}

		var msg phxMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			r.log.Warn("invalid realtime frame", zap.Error(err))
			continue
		}
		r.dispatch(msg)
	}
}

func (r *Realtime) dispatch(msg phxMessage) {
	switch msg.Event {
	case phxReply:
		if msg.Ref == nil {
			return
		}
		var rep replyPayload
		if err := json.Unmarshal(msg.Payload, &rep); err != nil {
			r.log.Warn("invalid reply", zap.Error(err))
			return
		}
		r.mu.Lock()
		replies, ok := r.pending[*msg.Ref]
		delete(r.pending, *msg.Ref)
		r.mu.Unlock()
		if ok {
			replies <- rep
		}

	case eventChanges:
		r.mu.Lock()
		ch := r.channels[msg.Topic]
		r.mu.Unlock()
		if ch == nil {
			return
		}
		var p changePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			r.log.Warn("invalid change payload", zap.String("topic", msg.Topic), zap.Error(err))
			return
		}
		ev := backend.ChangeEvent{
			Type:   backend.EventType(p.Data.Type),
			Schema: p.Data.Schema,
			Table:  p.Data.Table,
			New:    p.Data.Record,
			Old:    p.Data.OldRecord,
		}
		if !ch.sub.Matches(ev.Type) {
			return
		}
		ch.deliver(ev)

	case phxError, phxClose:
		r.log.Warn("channel closed by server", zap.String("topic", msg.Topic), zap.String("event", msg.Event))

	case eventSystem:
		r.log.Debug("realtime system message", zap.String("topic", msg.Topic), zap.ByteString("payload", msg.Payload))
	}
}

// disconnected forgets a connection that stopped reading. Pending joins fail
// and existing channels go quiet until they are subscribed again.
func (r *Realtime) disconnected(conn *websocket.Conn) {
	r.mu.Lock()
	if r.conn != conn {
		r.mu.Unlock()
		return
	}
	r.conn = nil
	done := r.done
	r.done = nil
	pending := r.pending
	r.pending = make(map[string]chan replyPayload)
	channels := r.channels
	r.channels = make(map[string]*channel)
	r.mu.Unlock()

	close(done)
	for _, replies := range pending {
		close(replies)
	}
	for _, ch := range channels {
		ch.close()
	}
	_ = conn.Close()
	r.log.Warn("realtime disconnected")
}
