// ABOUTME: Websocket change feed speaking the Phoenix channel protocol of hosted Postgres realtime services
// ABOUTME: Multiplexes channels over one socket with heartbeats, join replies, and rejoin after reconnect
package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/harperreed/fieldsync/models"
	"github.com/oklog/ulid/v2"
)

// Phoenix events.
const (
	eventJoin      = "phx_join"
	eventLeave     = "phx_leave"
	eventReply     = "phx_reply"
	eventError     = "phx_error"
	eventClose     = "phx_close"
	eventHeartbeat = "heartbeat"
	eventChanges   = "postgres_changes"
)

var errNotConnected = errors.New("realtime socket not connected")

type SocketSettings struct {
	HandshakeTimeout  time.Duration
	JoinTimeout       time.Duration
	HeartbeatInterval time.Duration
	ReconnectTimeout  time.Duration
	WriteTimeout      time.Duration
	Schema            string
}

func DefaultSocketSettings() *SocketSettings {
	return &SocketSettings{
		HandshakeTimeout:  10 * time.Second,
		JoinTimeout:       10 * time.Second,
		HeartbeatInterval: 25 * time.Second,
		ReconnectTimeout:  5 * time.Second,
		WriteTimeout:      5 * time.Second,
		Schema:            "public",
	}
}

type phxMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     *string         `json:"ref"`
}

type phxReply struct {
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
		PostgresChanges []changeFilter `json:"postgres_changes"`
	} `json:"config"`
	AccessToken string `json:"access_token,omitempty"`
}

type changesPayload struct {
	Data struct {
		Type            string          `json:"type"`
		Table           string          `json:"table"`
		Schema          string          `json:"schema"`
		Record          json.RawMessage `json:"record"`
		OldRecord       json.RawMessage `json:"old_record"`
		CommitTimestamp Timestamp       `json:"commit_timestamp"`
	} `json:"data"`
}

// SocketFeed is a ChannelFactory over a single reconnecting websocket.
type SocketFeed struct {
	ctx    context.Context
	cancel context.CancelFunc

	endpoint string
	apiKey   string
	settings *SocketSettings
	dialer   *websocket.Dialer
	logger   *log.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected chan struct{}
	channels  map[string]*socketChannel
	replies   map[string]chan phxReply

	writeMu sync.Mutex
}

// NewSocketFeed starts a feed against realtimeURL (ws:// or wss://). The socket connects in the
// background and reconnects until Close.
func NewSocketFeed(ctx context.Context, realtimeURL, apiKey string, settings *SocketSettings, logger *log.Logger) (*SocketFeed, error) {
	u, err := url.Parse(realtimeURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse realtime url: %w", err)
	}
	q := u.Query()
	if apiKey != "" {
		q.Set("apikey", apiKey)
	}
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()

	if settings == nil {
		settings = DefaultSocketSettings()
	}
	if logger == nil {
		logger = log.Default()
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	f := &SocketFeed{
		ctx:       cancelCtx,
		cancel:    cancel,
		endpoint:  u.String(),
		apiKey:    apiKey,
		settings:  settings,
		dialer:    &websocket.Dialer{HandshakeTimeout: settings.HandshakeTimeout},
		logger:    logger.WithPrefix("realtime/socket"),
		connected: make(chan struct{}),
		channels:  make(map[string]*socketChannel),
		replies:   make(map[string]chan phxReply),
	}
	go f.run()
	return f, nil
}

// Close stops the socket and closes every channel.
func (f *SocketFeed) Close() {
	f.cancel()
	f.mu.Lock()
	conn := f.conn
	channels := f.channels
	f.channels = make(map[string]*socketChannel)
	f.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	for _, ch := range channels {
		ch.box.close(nil)
	}
}

func (f *SocketFeed) run() {
	for {
		conn, _, err := f.dialer.DialContext(f.ctx, f.endpoint, nil)
		if err != nil {
			if f.ctx.Err() != nil {
				return
			}
			f.logger.Warn("dial failed", "err", err)
			select {
			case <-f.ctx.Done():
				return
			case <-time.After(f.settings.ReconnectTimeout):
				continue
			}
		}

		f.attach(conn)
		f.rejoinAll()

		hbCtx, hbCancel := context.WithCancel(f.ctx)
		go f.heartbeat(hbCtx)
		err = f.readLoop(conn)
		hbCancel()
		f.detach(conn)

		if f.ctx.Err() != nil {
			return
		}
		f.logger.Warn("socket dropped, reconnecting", "err", err)
		select {
		case <-f.ctx.Done():
			return
		case <-time.After(f.settings.ReconnectTimeout):
		}
	}
}

func (f *SocketFeed) attach(conn *websocket.Conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conn = conn
	close(f.connected)
}

func (f *SocketFeed) detach(conn *websocket.Conn) {
	_ = conn.Close()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn == conn {
		f.conn = nil
		f.connected = make(chan struct{})
	}
	// joins waiting on this socket will never be answered
	for ref, reply := range f.replies {
		close(reply)
		delete(f.replies, ref)
	}
}

func (f *SocketFeed) rejoinAll() {
	f.mu.Lock()
	channels := make([]*socketChannel, 0, len(f.channels))
	for _, ch := range f.channels {
		channels = append(channels, ch)
	}
	f.mu.Unlock()

	for _, ch := range channels {
		if err := f.send(ch.phxTopic, eventJoin, ch.join, newRef()); err != nil {
			f.logger.Warn("rejoin failed", "topic", ch.phxTopic, "err", err)
		}
	}
}

func (f *SocketFeed) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(f.settings.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.send("phoenix", eventHeartbeat, struct{}{}, newRef()); err != nil {
				f.logger.Debug("heartbeat failed", "err", err)
			}
		}
	}
}

func (f *SocketFeed) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg phxMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			f.logger.Warn("dropping malformed frame", "err", err)
			continue
		}
		f.dispatch(msg)
	}
}

func (f *SocketFeed) dispatch(msg phxMessage) {
	switch msg.Event {
	case eventReply:
		if msg.Ref == nil {
			return
		}
		var reply phxReply
		if err := json.Unmarshal(msg.Payload, &reply); err != nil {
			reply = phxReply{Status: "error"}
		}
		f.mu.Lock()
		waiter, ok := f.replies[*msg.Ref]
		if ok {
			delete(f.replies, *msg.Ref)
		}
		f.mu.Unlock()
		if ok {
			waiter <- reply
		}
	case eventChanges:
		ch := f.channel(msg.Topic)
		if ch == nil {
			return
		}
		var p changesPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			f.logger.Warn("dropping malformed change", "topic", msg.Topic, "err", err)
			return
		}
		kind, err := ParseKind(p.Data.Type)
		if err != nil {
			f.logger.Warn("dropping change", "topic", msg.Topic, "err", err)
			return
		}
		ch.box.push(Message{
			Kind:            kind,
			Table:           p.Data.Table,
			Operation:       ch.topic.Operation,
			Record:          p.Data.Record,
			OldRecord:       p.Data.OldRecord,
			CommitTimestamp: p.Data.CommitTimestamp.Time,
		})
	case eventError, eventClose:
		if ch := f.channel(msg.Topic); ch != nil {
			f.logger.Warn("channel interrupted by server", "topic", msg.Topic, "event", msg.Event)
			go f.rejoinLater(ch)
		}
	}
}

func (f *SocketFeed) rejoinLater(ch *socketChannel) {
	select {
	case <-f.ctx.Done():
		return
	case <-time.After(f.settings.ReconnectTimeout):
	}
	if f.channel(ch.phxTopic) != ch {
		return
	}
	if err := f.send(ch.phxTopic, eventJoin, ch.join, newRef()); err != nil {
		f.logger.Warn("rejoin failed", "topic", ch.phxTopic, "err", err)
	}
}

func (f *SocketFeed) channel(phxTopic string) *socketChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.channels[phxTopic]
}

func (f *SocketFeed) send(topic, event string, payload any, ref string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(phxMessage{Topic: topic, Event: event, Payload: body, Ref: &ref})
	if err != nil {
		return err
	}

	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(f.settings.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func newRef() string {
	return ulid.Make().String()
}

// Open joins a channel for topic and waits for the server to accept it.
func (f *SocketFeed) Open(ctx context.Context, topic Topic) (Channel, error) {
	var join joinPayload
	join.Config.PostgresChanges = []changeFilter{{
		Event:  "*",
		Schema: f.settings.Schema,
		Table:  topic.Table,
		Filter: topic.Filter(),
	}}
	join.AccessToken = f.apiKey

	ch := &socketChannel{
		feed:     f,
		topic:    topic,
		phxTopic: "realtime:" + topic.String(),
		join:     join,
		box:      newMailbox(),
	}

	f.mu.Lock()
	if _, exists := f.channels[ch.phxTopic]; exists {
		f.mu.Unlock()
		return nil, fmt.Errorf("channel %s already open", ch.phxTopic)
	}
	f.channels[ch.phxTopic] = ch
	connected := f.connected
	f.mu.Unlock()

	fail := func(err error) (Channel, error) {
		f.forget(ch)
		ch.box.close(nil)
		return nil, err
	}

	select {
	case <-ctx.Done():
		return fail(ctx.Err())
	case <-f.ctx.Done():
		return fail(errNotConnected)
	case <-connected:
	}

	ref := newRef()
	waiter := make(chan phxReply, 1)
	f.mu.Lock()
	f.replies[ref] = waiter
	f.mu.Unlock()

	if err := f.send(ch.phxTopic, eventJoin, join, ref); err != nil {
		f.mu.Lock()
		delete(f.replies, ref)
		f.mu.Unlock()
		return fail(fmt.Errorf("failed to send join: %w", err))
	}

	timer := time.NewTimer(f.settings.JoinTimeout)
	defer timer.Stop()
	select {
	case reply, ok := <-waiter:
		if !ok {
			return fail(errNotConnected)
		}
		if reply.Status != "ok" {
			return fail(fmt.Errorf("join %s rejected: %s %s", ch.phxTopic, reply.Status, string(reply.Response)))
		}
		return ch, nil
	case <-timer.C:
		f.mu.Lock()
		delete(f.replies, ref)
		f.mu.Unlock()
		return fail(fmt.Errorf("join %s timed out", ch.phxTopic))
	case <-ctx.Done():
		f.mu.Lock()
		delete(f.replies, ref)
		f.mu.Unlock()
		return fail(ctx.Err())
	}
}

func (f *SocketFeed) forget(ch *socketChannel) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.channels[ch.phxTopic] == ch {
		delete(f.channels, ch.phxTopic)
	}
}

type socketChannel struct {
	feed     *SocketFeed
	topic    Topic
	phxTopic string
	join     joinPayload
	box      *mailbox
}

func (c *socketChannel) Topic() Topic { return c.topic }

func (c *socketChannel) Next(ctx context.Context) (Message, error) {
	return c.box.next(ctx)
}

func (c *socketChannel) Unsubscribe() error {
	c.feed.forget(c)
	if !c.box.close(nil) {
		return ErrChannelClosed
	}
	if err := c.feed.send(c.phxTopic, eventLeave, struct{}{}, newRef()); err != nil && !errors.Is(err, errNotConnected) {
		c.feed.logger.Debug("leave failed", "topic", c.phxTopic, "err", err)
	}
	return nil
}

// Operation returns the operation a socket channel is scoped to.
func (c *socketChannel) Operation() models.OperationID { return c.topic.Operation }
