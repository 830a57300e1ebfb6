// ABOUTME: Change-feed channel abstraction for row-level change notifications
// ABOUTME: Defines topics, raw change messages, and the channel/factory contracts
package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/harperreed/fieldsync/models"
)

// ErrChannelClosed is returned by Next after Unsubscribe, and by Unsubscribe on an already closed channel
// when the transport wants to report it. Callers tearing channels down ignore it.
var ErrChannelClosed = errors.New("channel closed")

// IsClosed reports whether err signals a channel that is already torn down.
func IsClosed(err error) bool {
	return errors.Is(err, ErrChannelClosed)
}

// Kind is the type of row change.
type Kind string

// Change kinds.
const (
	KindInsert Kind = "INSERT"
	KindUpdate Kind = "UPDATE"
	KindDelete Kind = "DELETE"
)

// ParseKind normalizes a transport-specific change type.
func ParseKind(raw string) (Kind, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "INSERT":
		return KindInsert, nil
	case "UPDATE":
		return KindUpdate, nil
	case "DELETE":
		return KindDelete, nil
	}
	return "", fmt.Errorf("unknown change kind: %q", raw)
}

// Topic names a subscription: one logical channel on one table, scoped to one operation.
type Topic struct {
	Channel   string
	Table     string
	Operation models.OperationID
}

// Filter renders the row filter in the `column=eq.value` form hosted realtime services accept.
func (t Topic) Filter() string {
	return "operation_id=eq." + string(t.Operation)
}

func (t Topic) String() string {
	return fmt.Sprintf("%s:%s:%s", t.Channel, t.Table, t.Operation)
}

// Message is one raw change notification as delivered by a transport.
type Message struct {
	Kind            Kind
	Table           string
	Operation       models.OperationID
	Record          json.RawMessage
	OldRecord       json.RawMessage
	CommitTimestamp time.Time
}

// Channel is a live subscription. Next yields messages in arrival order; the sequence is
// infinite until Unsubscribe and cannot be restarted.
type Channel interface {
	Topic() Topic
	Next(ctx context.Context) (Message, error)
	Unsubscribe() error
}

// ChannelFactory opens channels.
type ChannelFactory interface {
	Open(ctx context.Context, topic Topic) (Channel, error)
}
