// ABOUTME: Change feed backed by Postgres LISTEN/NOTIFY through a pgx connection pool
// ABOUTME: Each channel holds a dedicated connection listening on the table's notify channel
package realtime

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	json "github.com/goccy/go-json"
	"github.com/harperreed/fieldsync/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NotifyChannelPrefix prefixes the notify channel of every streamed table.
const NotifyChannelPrefix = "fieldsync_"

// NotifyChannel returns the LISTEN channel for table.
func NotifyChannel(table string) string {
	return NotifyChannelPrefix + table
}

// notifyPayload is the JSON document published by the change trigger.
type notifyPayload struct {
	Op              string          `json:"op"`
	Table           string          `json:"table"`
	OperationID     string          `json:"operation_id"`
	Record          json.RawMessage `json:"record"`
	OldRecord       json.RawMessage `json:"old_record"`
	CommitTimestamp Timestamp       `json:"commit_timestamp"`
}

// parseNotification converts a trigger payload into a Message.
func parseNotification(payload string) (Message, error) {
	var p notifyPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return Message{}, fmt.Errorf("failed to decode notification: %w", err)
	}
	kind, err := ParseKind(p.Op)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Kind:            kind,
		Table:           p.Table,
		Operation:       models.OperationID(p.OperationID),
		Record:          p.Record,
		OldRecord:       p.OldRecord,
		CommitTimestamp: p.CommitTimestamp.Time,
	}, nil
}

// PostgresFeed opens channels on a pgx pool.
type PostgresFeed struct {
	pool   *pgxpool.Pool
	logger *log.Logger
}

// NewPostgresFeed wraps pool. A nil logger uses the default logger.
func NewPostgresFeed(pool *pgxpool.Pool, logger *log.Logger) *PostgresFeed {
	if logger == nil {
		logger = log.Default()
	}
	return &PostgresFeed{pool: pool, logger: logger.WithPrefix("realtime/postgres")}
}

// Open acquires a connection and starts listening for topic.Table changes.
func (f *PostgresFeed) Open(ctx context.Context, topic Topic) (Channel, error) {
	conn, err := f.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire listen connection: %w", err)
	}
	listen := "LISTEN " + pgx.Identifier{NotifyChannel(topic.Table)}.Sanitize()
	if _, err := conn.Exec(ctx, listen); err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to listen on %s: %w", topic.Table, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	ch := &pgChannel{
		topic:  topic,
		box:    newMailbox(),
		cancel: cancel,
		done:   make(chan struct{}),
		logger: f.logger.With("topic", topic.String()),
	}
	go ch.run(runCtx, conn)
	return ch, nil
}

type pgChannel struct {
	topic  Topic
	box    *mailbox
	cancel context.CancelFunc
	done   chan struct{}
	logger *log.Logger
}

func (c *pgChannel) run(ctx context.Context, conn *pgxpool.Conn) {
	defer close(c.done)
	defer func() {
		// a connection interrupted mid-wait is not safe to return to the pool
		raw := conn.Hijack()
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = raw.Close(closeCtx)
	}()

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("listen connection lost", "err", err)
			c.box.close(fmt.Errorf("postgres listen: %w", err))
			return
		}
		msg, err := parseNotification(n.Payload)
		if err != nil {
			c.logger.Warn("dropping malformed notification", "err", err)
			continue
		}
		if msg.Table != c.topic.Table || msg.Operation != c.topic.Operation {
			continue
		}
		c.box.push(msg)
	}
}

func (c *pgChannel) Topic() Topic { return c.topic }

func (c *pgChannel) Next(ctx context.Context) (Message, error) {
	return c.box.next(ctx)
}

func (c *pgChannel) Unsubscribe() error {
	closed := c.box.close(nil)
	c.cancel()
	<-c.done
	if !closed {
		return ErrChannelClosed
	}
	return nil
}
