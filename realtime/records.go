// ABOUTME: Wire shapes of change-feed rows for the streamed tables
// ABOUTME: Converts between flat table rows and models, tolerating Postgres timestamp layouts
package realtime

import (
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/harperreed/fieldsync/models"
)

// Streamed table names.
const (
	TableAssignments     = "assigned_locations"
	TableMemberLocations = "member_locations"
	TableMessages        = "chat_messages"
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z07",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z07",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// Timestamp decodes the timestamp renderings produced by row_to_json and hosted realtime services.
type Timestamp struct {
	time.Time
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" || raw == `""` {
		t.Time = time.Time{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("failed to decode timestamp: %w", err)
	}
	parsed, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

// ParseTimestamp parses s with every known layout.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

func optionalTime(t *Timestamp) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.Time
	return &v
}

func optionalTimestamp(t *time.Time) *Timestamp {
	if t == nil {
		return nil
	}
	return &Timestamp{Time: *t}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// AssignmentRecord is a row of assigned_locations.
type AssignmentRecord struct {
	ID               string     `json:"id"`
	OperationID      string     `json:"operation_id"`
	AssignedToUserID string     `json:"assigned_to_user_id"`
	Latitude         float64    `json:"latitude"`
	Longitude        float64    `json:"longitude"`
	Label            *string    `json:"label"`
	Notes            *string    `json:"notes"`
	Status           string     `json:"status"`
	CreatedAt        Timestamp  `json:"created_at"`
	UpdatedAt        Timestamp  `json:"updated_at"`
	ArrivedAt        *Timestamp `json:"arrived_at"`
	CompletedAt      *Timestamp `json:"completed_at"`
}

func (r AssignmentRecord) Model() models.AssignedLocation {
	return models.AssignedLocation{
		ID:               r.ID,
		OperationID:      models.OperationID(r.OperationID),
		AssignedToUserID: r.AssignedToUserID,
		Coordinate:       models.Coordinate{Latitude: r.Latitude, Longitude: r.Longitude},
		Label:            deref(r.Label),
		Notes:            deref(r.Notes),
		Status:           models.AssignmentStatus(r.Status),
		CreatedAt:        r.CreatedAt.Time,
		UpdatedAt:        r.UpdatedAt.Time,
		ArrivedAt:        optionalTime(r.ArrivedAt),
		CompletedAt:      optionalTime(r.CompletedAt),
	}
}

func AssignmentRecordFrom(a models.AssignedLocation) AssignmentRecord {
	return AssignmentRecord{
		ID:               a.ID,
		OperationID:      string(a.OperationID),
		AssignedToUserID: a.AssignedToUserID,
		Latitude:         a.Coordinate.Latitude,
		Longitude:        a.Coordinate.Longitude,
		Label:            optionalString(a.Label),
		Notes:            optionalString(a.Notes),
		Status:           string(a.Status),
		CreatedAt:        Timestamp{Time: a.CreatedAt},
		UpdatedAt:        Timestamp{Time: a.UpdatedAt},
		ArrivedAt:        optionalTimestamp(a.ArrivedAt),
		CompletedAt:      optionalTimestamp(a.CompletedAt),
	}
}

// LocationRecord is a row of member_locations; one row per (operation, user).
type LocationRecord struct {
	UserID      string    `json:"user_id"`
	OperationID string    `json:"operation_id"`
	RecordedAt  Timestamp `json:"recorded_at"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	Accuracy    float64   `json:"accuracy"`
	Speed       *float64  `json:"speed"`
	Heading     *float64  `json:"heading"`
}

func (r LocationRecord) Model() models.LocationPoint {
	return models.LocationPoint{
		UserID:      r.UserID,
		OperationID: models.OperationID(r.OperationID),
		Timestamp:   r.RecordedAt.Time,
		Latitude:    r.Latitude,
		Longitude:   r.Longitude,
		Accuracy:    r.Accuracy,
		Speed:       r.Speed,
		Heading:     r.Heading,
	}
}

func LocationRecordFrom(p models.LocationPoint) LocationRecord {
	return LocationRecord{
		UserID:      p.UserID,
		OperationID: string(p.OperationID),
		RecordedAt:  Timestamp{Time: p.Timestamp},
		Latitude:    p.Latitude,
		Longitude:   p.Longitude,
		Accuracy:    p.Accuracy,
		Speed:       p.Speed,
		Heading:     p.Heading,
	}
}

// MessageRecord is a row of chat_messages.
type MessageRecord struct {
	ID                string    `json:"id"`
	OperationID       string    `json:"operation_id"`
	SenderUserID      string    `json:"sender_user_id"`
	Body              string    `json:"body"`
	CreatedAt         Timestamp `json:"created_at"`
	MediaURL          *string   `json:"media_url"`
	SenderDisplayName *string   `json:"sender_display_name"`
}

func (r MessageRecord) Model() models.ChatMessage {
	return models.ChatMessage{
		ID:                r.ID,
		OperationID:       models.OperationID(r.OperationID),
		SenderUserID:      r.SenderUserID,
		Body:              r.Body,
		CreatedAt:         r.CreatedAt.Time,
		MediaURL:          deref(r.MediaURL),
		SenderDisplayName: deref(r.SenderDisplayName),
	}
}

func MessageRecordFrom(m models.ChatMessage) MessageRecord {
	return MessageRecord{
		ID:                m.ID,
		OperationID:       string(m.OperationID),
		SenderUserID:      m.SenderUserID,
		Body:              m.Body,
		CreatedAt:         Timestamp{Time: m.CreatedAt},
		MediaURL:          optionalString(m.MediaURL),
		SenderDisplayName: optionalString(m.SenderDisplayName),
	}
}

// EncodeRecord marshals a row for a Message.
func EncodeRecord(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	return json.RawMessage(data), nil
}
