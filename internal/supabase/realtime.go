package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/crewplan/crewplan-sync/internal/entity"
)

// Realtime protocol constants.
const (
	realtimePath       = "/realtime/v1/websocket"
	phoenixVsn         = "1.0.0"
	phoenixTopic       = "phoenix"
	defaultHeartbeat   = 25 * time.Second
	defaultJoinTimeout = 10 * time.Second
	writeTimeout       = 5 * time.Second
	readLimit          = 4 << 20 // 4 MiB: large enough for wide rows
)

// Phoenix channel events.
const (
	eventJoin        = "phx_join"
	eventLeave       = "phx_leave"
	eventReply       = "phx_reply"
	eventError       = "phx_error"
	eventClose       = "phx_close"
	eventHeartbeat   = "heartbeat"
	eventChanges     = "postgres_changes"
	eventSystem      = "system"
	eventAccessToken = "access_token"
)

// phxMessage is the Phoenix v1 JSON frame.
type phxMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref"`
	JoinRef string          `json:"join_ref,omitempty"`
}

// phxReply is the payload of a phx_reply frame.
type phxReply struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

// reason extracts the server's rejection reason, if any.
func (r phxReply) reason() string {
	var body struct {
		Reason string `json:"reason"`
	}

	if json.Unmarshal(r.Response, &body) == nil && body.Reason != "" {
		return body.Reason
	}

	return string(r.Response)
}

// changePayload is the payload of a postgres_changes frame.
type changePayload struct {
	Data struct {
		Type            string     `json:"type"`
		Schema          string     `json:"schema"`
		Table           string     `json:"table"`
		CommitTimestamp string     `json:"commit_timestamp"`
		Record          entity.Row `json:"record"`
		OldRecord       entity.Row `json:"old_record"`
	} `json:"data"`
}

// systemPayload is the payload of a system frame.
type systemPayload struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// RealtimeOptions holds the optional knobs for NewRealtime.
type RealtimeOptions struct {
	Schema      string
	Tables      map[entity.Kind]string
	Heartbeat   time.Duration
	JoinTimeout time.Duration
	HTTPClient  *http.Client
}

// channel is one joined topic. It is the entity.Handle handed to callers.
type channel struct {
	topic   string
	kind    entity.Kind
	joinRef string
	handler func(entity.Change)
}

func (c *channel) Kind() entity.Kind { return c.kind }
func (c *channel) Topic() string     { return c.topic }

// Realtime delivers row-change notifications over the project's realtime
// websocket. One socket is shared by every channel; it is dialed lazily on
// the first Subscribe. All methods are safe for concurrent use.
type Realtime struct {
	baseURL string
	apiKey  string
	tokens  TokenSource
	opts    RealtimeOptions
	logger  *slog.Logger
	ref     atomic.Uint64

	mu           sync.Mutex
	conn         *websocket.Conn
	cancel       context.CancelFunc
	closing      bool
	channels     map[string]*channel
	replies      map[string]chan phxReply
	heartbeatRef string
	accessToken  string
	onDisconnect func(error)
}

// NewRealtime creates a transport for the project at baseURL. tokens
// supplies the access token sent with each join; nil means anonymous.
func NewRealtime(baseURL, apiKey string, tokens TokenSource, logger *slog.Logger, opts RealtimeOptions) *Realtime {
	if logger == nil {
		logger = slog.Default()
	}

	if tokens == nil {
		tokens = AnonToken(apiKey)
	}

	if opts.Schema == "" {
		opts.Schema = defaultSchema
	}

	if opts.Heartbeat <= 0 {
		opts.Heartbeat = defaultHeartbeat
	}

	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = defaultJoinTimeout
	}

	return &Realtime{
		baseURL:  baseURL,
		apiKey:   apiKey,
		tokens:   tokens,
		opts:     opts,
		logger:   logger,
		channels: make(map[string]*channel),
		replies:  make(map[string]chan phxReply),
	}
}

// OnDisconnect registers fn to be called when the socket or one of its
// channels is lost without Close having been called. fn runs on the
// transport's goroutine and must not block.
func (r *Realtime) OnDisconnect(fn func(error)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.onDisconnect = fn
}

// Connect dials the websocket if it is not already open.
func (r *Realtime) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.connectLocked(ctx)
}

// Connected reports whether the socket is currently open.
func (r *Realtime) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.conn != nil
}

// OpenChannels returns the number of joined channels.
func (r *Realtime) OpenChannels() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.channels)
}

func (r *Realtime) connectLocked(ctx context.Context) error {
	if r.conn != nil {
		return nil
	}

	socketURL, err := r.socketURL()
	if err != nil {
		return err
	}

	conn, _, err := websocket.Dial(ctx, socketURL, &websocket.DialOptions{HTTPClient: r.opts.HTTPClient})
	if err != nil {
		return fmt.Errorf("supabase: realtime dial: %w", err)
	}

	conn.SetReadLimit(readLimit)

	loopCtx, cancel := context.WithCancel(context.Background())
	r.conn = conn
	r.cancel = cancel
	r.closing = false
	r.heartbeatRef = ""

	go r.readLoop(loopCtx, conn)
	go r.heartbeatLoop(loopCtx, conn)

	r.logger.Info("realtime connected", slog.Duration("heartbeat", r.opts.Heartbeat))

	return nil
}

// socketURL converts the project URL into the websocket endpoint.
func (r *Realtime) socketURL() (string, error) {
	u, err := url.Parse(r.baseURL)
	if err != nil {
		return "", fmt.Errorf("supabase: parsing project URL: %w", err)
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}

	u.Path = strings.TrimSuffix(u.Path, "/") + realtimePath

	q := u.Query()
	q.Set("apikey", r.apiKey)
	q.Set("vsn", phoenixVsn)
	u.RawQuery = q.Encode()

	return u.String(), nil
}

func (r *Realtime) nextRef() string {
	return strconv.FormatUint(r.ref.Add(1), 10)
}

func (r *Realtime) tableFor(kind entity.Kind) string {
	if name, ok := r.opts.Tables[kind]; ok && name != "" {
		return name
	}

	return kind.String()
}

// Subscribe joins a channel delivering insert, update and delete changes
// for the kind's table. handler runs on the transport's read goroutine.
func (r *Realtime) Subscribe(ctx context.Context, kind entity.Kind, handler func(entity.Change)) (entity.Handle, error) {
	token, err := r.tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("supabase: realtime token: %w", err)
	}

	table := r.tableFor(kind)

	r.mu.Lock()
	if err := r.connectLocked(ctx); err != nil {
		r.mu.Unlock()
		return nil, err
	}

	conn := r.conn
	ref := r.nextRef()
	ch := &channel{
		topic:   fmt.Sprintf("realtime:%s:%s:%s", r.opts.Schema, table, ref),
		kind:    kind,
		joinRef: ref,
		handler: handler,
	}
	wait := make(chan phxReply, 1)
	r.channels[ch.topic] = ch
	r.replies[ref] = wait
	r.accessToken = token
	r.mu.Unlock()

	payload := map[string]any{
		"config": map[string]any{
			"broadcast": map[string]any{"self": false},
			"presence":  map[string]any{"key": ""},
			"postgres_changes": []map[string]string{
				{"event": "*", "schema": r.opts.Schema, "table": table},
			},
		},
		"access_token": token,
	}

	if err := r.send(ctx, conn, ch.topic, eventJoin, payload, ref, ref); err != nil {
		r.forget(ch.topic, ref)
		return nil, err
	}

	timer := time.NewTimer(r.opts.JoinTimeout)
	defer timer.Stop()

	select {
	case rep, ok := <-wait:
		if !ok {
			r.forget(ch.topic, ref)
			return nil, fmt.Errorf("supabase: joining %s: %w", table, ErrRealtimeClosed)
		}

		if rep.Status != "ok" {
			r.forget(ch.topic, ref)
			return nil, fmt.Errorf("%w: %s: %s", ErrJoinRejected, table, rep.reason())
		}
	case <-timer.C:
		r.forget(ch.topic, ref)
		r.leaveQuietly(conn, ch)

		return nil, fmt.Errorf("supabase: joining %s: %w", table, ErrTimeout)
	case <-ctx.Done():
		r.forget(ch.topic, ref)
		r.leaveQuietly(conn, ch)

		return nil, fmt.Errorf("supabase: joining %s: %w", table, ctx.Err())
	}

	r.logger.Info("realtime channel joined",
		slog.String("table", table),
		slog.String("topic", ch.topic),
	)

	return ch, nil
}

// Unsubscribe leaves the channel. The handle is released locally even when
// the leave frame cannot be sent. Unknown handles are a no-op.
func (r *Realtime) Unsubscribe(ctx context.Context, h entity.Handle) error {
	if h == nil {
		return nil
	}

	r.mu.Lock()
	ch, ok := r.channels[h.Topic()]
	if ok {
		delete(r.channels, h.Topic())
	}

	conn := r.conn
	r.mu.Unlock()

	if !ok || conn == nil {
		return nil
	}

	if err := r.send(ctx, conn, ch.topic, eventLeave, struct{}{}, r.nextRef(), ch.joinRef); err != nil {
		return fmt.Errorf("supabase: leaving %s: %w", ch.topic, err)
	}

	r.logger.Debug("realtime channel left", slog.String("topic", ch.topic))

	return nil
}

// Close shuts the socket down. Channels are dropped without notifying the
// disconnect handler.
func (r *Realtime) Close() error {
	r.mu.Lock()
	conn := r.conn
	r.closing = true
	r.mu.Unlock()

	if conn == nil {
		return nil
	}

	err := conn.Close(websocket.StatusNormalClosure, "client closing")
	r.connectionLost(conn, errors.New("closed by client"))

	if err != nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		return fmt.Errorf("supabase: closing realtime socket: %w", err)
	}

	return nil
}

// forget removes a channel and its pending reply waiter.
func (r *Realtime) forget(topic, ref string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.channels, topic)
	delete(r.replies, ref)
}

// leaveQuietly sends a best-effort leave for a join that may have landed
// server-side after we gave up waiting.
func (r *Realtime) leaveQuietly(conn *websocket.Conn, ch *channel) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	_ = r.send(ctx, conn, ch.topic, eventLeave, struct{}{}, r.nextRef(), ch.joinRef)
}

func (r *Realtime) send(ctx context.Context, conn *websocket.Conn, topic, event string, payload any, ref, joinRef string) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("supabase: encoding %s payload: %w", event, err)
	}

	data, err := json.Marshal(phxMessage{Topic: topic, Event: event, Payload: raw, Ref: ref, JoinRef: joinRef})
	if err != nil {
		return fmt.Errorf("supabase: encoding %s frame: %w", event, err)
	}

	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	if err := conn.Write(wctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("supabase: writing %s: %w", event, err)
	}

	return nil
}

// readLoop reads frames until the socket fails. Malformed frames are logged
// and skipped; they never tear the connection down.
func (r *Realtime) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			r.connectionLost(conn, err)
			return
		}

		var msg phxMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			r.logger.Warn("dropping malformed realtime frame",
				slog.String("error", err.Error()),
				slog.Int("bytes", len(data)),
			)

			continue
		}

		r.dispatch(&msg)
	}
}

func (r *Realtime) dispatch(msg *phxMessage) {
	switch msg.Event {
	case eventReply:
		r.resolveReply(msg)
	case eventChanges:
		r.deliverChange(msg)
	case eventError, eventClose:
		r.channelLost(msg.Topic, msg.Event)
	case eventSystem:
		var sp systemPayload
		if json.Unmarshal(msg.Payload, &sp) == nil && sp.Status == "error" {
			r.logger.Warn("realtime system error",
				slog.String("topic", msg.Topic),
				slog.String("message", sp.Message),
			)
			r.channelLost(msg.Topic, eventSystem)
		}
	default:
		r.logger.Debug("ignoring realtime frame",
			slog.String("topic", msg.Topic),
			slog.String("event", msg.Event),
		)
	}
}

func (r *Realtime) resolveReply(msg *phxMessage) {
	var rep phxReply
	if err := json.Unmarshal(msg.Payload, &rep); err != nil {
		r.logger.Warn("dropping malformed realtime reply", slog.String("error", err.Error()))
		return
	}

	r.mu.Lock()
	if msg.Topic == phoenixTopic && msg.Ref == r.heartbeatRef {
		r.heartbeatRef = ""
		r.mu.Unlock()

		return
	}

	wait, ok := r.replies[msg.Ref]
	delete(r.replies, msg.Ref)
	r.mu.Unlock()

	if ok {
		wait <- rep
	}
}

func (r *Realtime) deliverChange(msg *phxMessage) {
	r.mu.Lock()
	ch := r.channels[msg.Topic]
	r.mu.Unlock()

	if ch == nil {
		r.logger.Debug("change for unknown channel", slog.String("topic", msg.Topic))
		return
	}

	var cp changePayload
	if err := json.Unmarshal(msg.Payload, &cp); err != nil {
		r.logger.Warn("dropping malformed change payload",
			slog.String("topic", msg.Topic),
			slog.String("error", err.Error()),
		)

		return
	}

	change := entity.Change{
		Kind:      ch.kind,
		Type:      cp.Data.Type,
		Record:    cp.Data.Record,
		OldRecord: cp.Data.OldRecord,
	}

	if ts, err := time.Parse(time.RFC3339Nano, cp.Data.CommitTimestamp); err == nil {
		change.CommitTimestamp = ts
	}

	ch.handler(change)
}

// channelLost handles a server-side channel error or close. A close for a
// channel we already left is the normal leave acknowledgement.
func (r *Realtime) channelLost(topic, event string) {
	r.mu.Lock()
	_, ok := r.channels[topic]
	delete(r.channels, topic)
	handler := r.onDisconnect
	r.mu.Unlock()

	if !ok {
		return
	}

	r.logger.Warn("realtime channel lost",
		slog.String("topic", topic),
		slog.String("event", event),
	)

	if handler != nil {
		handler(fmt.Errorf("%w: channel %s: %s", ErrRealtimeClosed, topic, event))
	}
}

// heartbeatLoop sends a heartbeat every interval. A heartbeat still
// unanswered at the next tick means the socket is dead.
func (r *Realtime) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(r.opts.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		r.mu.Lock()
		if r.heartbeatRef != "" {
			r.mu.Unlock()
			r.connectionLost(conn, errors.New("heartbeat timeout"))

			return
		}

		ref := r.nextRef()
		r.heartbeatRef = ref
		r.mu.Unlock()

		if err := r.send(ctx, conn, phoenixTopic, eventHeartbeat, struct{}{}, ref, ""); err != nil {
			r.connectionLost(conn, err)
			return
		}

		r.pushAccessToken(ctx, conn)
	}
}

// pushAccessToken forwards a rotated session token to every joined channel
// so row level security keeps evaluating against a valid identity.
func (r *Realtime) pushAccessToken(ctx context.Context, conn *websocket.Conn) {
	token, err := r.tokens.Token()
	if err != nil {
		r.logger.Warn("realtime token refresh failed", slog.String("error", err.Error()))
		return
	}

	r.mu.Lock()
	if token == r.accessToken {
		r.mu.Unlock()
		return
	}

	r.accessToken = token
	channels := make([]*channel, 0, len(r.channels))

	for _, ch := range r.channels {
		channels = append(channels, ch)
	}
	r.mu.Unlock()

	for _, ch := range channels {
		payload := map[string]string{"access_token": token}
		if err := r.send(ctx, conn, ch.topic, eventAccessToken, payload, r.nextRef(), ch.joinRef); err != nil {
			r.logger.Warn("pushing access token failed",
				slog.String("topic", ch.topic),
				slog.String("error", err.Error()),
			)
		}
	}
}

// connectionLost tears down state for conn exactly once. The disconnect
// handler is notified unless Close initiated the teardown.
func (r *Realtime) connectionLost(conn *websocket.Conn, cause error) {
	r.mu.Lock()
	if r.conn != conn {
		r.mu.Unlock()
		return
	}

	closing := r.closing
	cancel := r.cancel
	lost := len(r.channels)
	handler := r.onDisconnect

	r.conn = nil
	r.cancel = nil
	r.heartbeatRef = ""
	r.channels = make(map[string]*channel)

	for ref, wait := range r.replies {
		close(wait)
		delete(r.replies, ref)
	}
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	_ = conn.CloseNow()

	if closing {
		r.logger.Info("realtime disconnected")
		return
	}

	r.logger.Warn("realtime connection lost",
		slog.String("error", cause.Error()),
		slog.Int("channels", lost),
	)

	if handler != nil {
		handler(fmt.Errorf("%w: %w", ErrRealtimeClosed, cause))
	}
}
