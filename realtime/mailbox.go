// ABOUTME: Unbounded FIFO queue backing every channel implementation
// ABOUTME: Producers never block; a single consumer waits on Next with a context
package realtime

import (
	"context"
	"sync"
)

type mailbox struct {
	mu     sync.Mutex
	queue  []Message
	signal chan struct{}
	closed bool
	err    error
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

// push appends a message. Returns false once the mailbox is closed.
func (m *mailbox) push(msg Message) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, msg)
	select {
	case m.signal <- struct{}{}:
	default:
	}
	m.mu.Unlock()
	return true
}

// close stops the mailbox. Queued messages are dropped; Next returns err (ErrChannelClosed when nil).
func (m *mailbox) close(err error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	if err == nil {
		err = ErrChannelClosed
	}
	m.closed = true
	m.err = err
	m.queue = nil
	close(m.signal)
	return true
}

func (m *mailbox) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mailbox) next(ctx context.Context) (Message, error) {
	for {
		m.mu.Lock()
		if m.closed {
			err := m.err
			m.mu.Unlock()
			return Message{}, err
		}
		if len(m.queue) > 0 {
			msg := m.queue[0]
			m.queue[0] = Message{}
			m.queue = m.queue[1:]
			m.mu.Unlock()
			return msg, nil
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-m.signal:
		}
	}
}
