// ABOUTME: In-process change-feed hub used by the local backend and tests
// ABOUTME: Fans published messages out to every open channel matching table and operation
package realtime

import (
	"context"
	"sync"

	"github.com/oklog/ulid/v2"
)

// Hub is a ChannelFactory that delivers messages published in the same process.
type Hub struct {
	mu       sync.Mutex
	channels map[string]*hubChannel
	openErr  error
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{channels: make(map[string]*hubChannel)}
}

// FailOpens makes every subsequent Open return err until called with nil.
func (h *Hub) FailOpens(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.openErr = err
}

// Open registers a new channel for topic.
func (h *Hub) Open(ctx context.Context, topic Topic) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.openErr != nil {
		return nil, h.openErr
	}
	ch := &hubChannel{
		id:    ulid.Make().String(),
		topic: topic,
		box:   newMailbox(),
		hub:   h,
	}
	h.channels[ch.id] = ch
	return ch, nil
}

// Publish delivers msg to every channel on msg.Table scoped to msg.Operation.
// It returns the number of channels that received it.
func (h *Hub) Publish(msg Message) int {
	h.mu.Lock()
	targets := make([]*hubChannel, 0, len(h.channels))
	for _, ch := range h.channels {
		if ch.topic.Table == msg.Table && ch.topic.Operation == msg.Operation {
			targets = append(targets, ch)
		}
	}
	h.mu.Unlock()

	delivered := 0
	for _, ch := range targets {
		if ch.box.push(msg) {
			delivered++
		}
	}
	return delivered
}

// Subscribers reports how many channels are open on table.
func (h *Hub) Subscribers(table string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, ch := range h.channels {
		if ch.topic.Table == table {
			n++
		}
	}
	return n
}

// Topics lists the topics of every open channel.
func (h *Hub) Topics() []Topic {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Topic, 0, len(h.channels))
	for _, ch := range h.channels {
		out = append(out, ch.topic)
	}
	return out
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.channels, id)
}

type hubChannel struct {
	id    string
	topic Topic
	box   *mailbox
	hub   *Hub
}

func (c *hubChannel) Topic() Topic { return c.topic }

func (c *hubChannel) Next(ctx context.Context) (Message, error) {
	return c.box.next(ctx)
}

func (c *hubChannel) Unsubscribe() error {
	c.hub.remove(c.id)
	if !c.box.close(nil) {
		return ErrChannelClosed
	}
	return nil
}
