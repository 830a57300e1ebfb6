// ABOUTME: Schema-validated decode step at the change-feed boundary
// ABOUTME: Turns raw messages into tagged Insert/Update/Delete changes or a DecodeFailure
package realtime

import (
	"bytes"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/harperreed/fieldsync/backend"
	"github.com/harperreed/fieldsync/models"
)

// Change is a decoded change: Item is set for inserts and updates, ID for every kind.
type Change[T any] struct {
	Kind Kind
	ID   string
	Item T
}

// IsDelete reports whether the change removes ID.
func (c Change[T]) IsDelete() bool {
	return c.Kind == KindDelete
}

// Decoder converts a raw message into a typed change.
type Decoder[T any] func(Message) (Change[T], error)

var errEmptyRecord = errors.New("empty record")

// decodeStrict rejects unknown fields so partially understood rows are never applied.
func decodeStrict(data json.RawMessage, v any) error {
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return errEmptyRecord
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// deleteKey reads the key column from old_record, falling back to record.
func deleteKey(msg Message, column string) (string, error) {
	for _, data := range []json.RawMessage{msg.OldRecord, msg.Record} {
		if len(bytes.TrimSpace(data)) == 0 {
			continue
		}
		var row map[string]any
		if err := json.Unmarshal(data, &row); err != nil {
			return "", err
		}
		if id, ok := row[column].(string); ok && id != "" {
			return id, nil
		}
	}
	return "", fmt.Errorf("delete missing %s", column)
}

type validator interface {
	Validate() error
}

func decodeWith[R any, T validator](msg Message, resource, keyColumn string, model func(R) T, key func(T) string) (Change[T], error) {
	var zero Change[T]
	switch msg.Kind {
	case KindDelete:
		id, err := deleteKey(msg, keyColumn)
		if err != nil {
			return zero, backend.DecodeFailure("decode delete", resource, err)
		}
		return Change[T]{Kind: KindDelete, ID: id}, nil
	case KindInsert, KindUpdate:
		var row R
		if err := decodeStrict(msg.Record, &row); err != nil {
			return zero, backend.DecodeFailure("decode "+string(msg.Kind), resource, err)
		}
		item := model(row)
		if err := item.Validate(); err != nil {
			return zero, backend.DecodeFailure("validate "+string(msg.Kind), resource, err)
		}
		return Change[T]{Kind: msg.Kind, ID: key(item), Item: item}, nil
	}
	return zero, backend.DecodeFailure("decode", resource, fmt.Errorf("unknown change kind %q", msg.Kind))
}

// DecodeAssignment decodes an assigned_locations change.
func DecodeAssignment(msg Message) (Change[models.AssignedLocation], error) {
	return decodeWith(msg, "assignment", "id",
		func(r AssignmentRecord) models.AssignedLocation { return r.Model() },
		func(a models.AssignedLocation) string { return a.ID })
}

// DecodeLocation decodes a member_locations change into the sender's point.
func DecodeLocation(msg Message) (Change[models.LocationPoint], error) {
	return decodeWith(msg, "location", "user_id",
		func(r LocationRecord) models.LocationPoint { return r.Model() },
		func(p models.LocationPoint) string { return p.UserID })
}

// DecodeMessage decodes a chat_messages change.
func DecodeMessage(msg Message) (Change[models.ChatMessage], error) {
	return decodeWith(msg, "message", "id",
		func(r MessageRecord) models.ChatMessage { return r.Model() },
		func(m models.ChatMessage) string { return m.ID })
}
