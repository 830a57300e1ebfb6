// ABOUTME: Local SQLite backend implementing the fetch and write contracts
// ABOUTME: Every committed write is echoed into a change hub as a row-level change message
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/harperreed/fieldsync/backend"
	"github.com/harperreed/fieldsync/models"
	"github.com/harperreed/fieldsync/realtime"
)

var _ backend.Backend = (*SQLite)(nil)

// SQLite serves an operation's data from a local database.
type SQLite struct {
	db     *sql.DB
	hub    *realtime.Hub
	now    func() time.Time
	logger *log.Logger
}

// NewSQLite wraps an open database. hub may be nil when no live feed is wanted.
func NewSQLite(db *sql.DB, hub *realtime.Hub, logger *log.Logger) *SQLite {
	if logger == nil {
		logger = log.Default()
	}
	return &SQLite{
		db:     db,
		hub:    hub,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.WithPrefix("db/sqlite"),
	}
}

// OpenSQLite opens path and wraps it.
func OpenSQLite(path string, hub *realtime.Hub, logger *log.Logger) (*SQLite, error) {
	db, err := OpenDatabase(path)
	if err != nil {
		return nil, err
	}
	return NewSQLite(db, hub, logger), nil
}

func (s *SQLite) DB() *sql.DB { return s.db }

func (s *SQLite) Close() error { return s.db.Close() }

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

// publish echoes a committed change into the hub.
func (s *SQLite) publish(kind realtime.Kind, table string, op models.OperationID, record, old any) {
	if s.hub == nil {
		return
	}
	msg := realtime.Message{Kind: kind, Table: table, Operation: op, CommitTimestamp: s.now()}
	var err error
	if record != nil {
		if msg.Record, err = realtime.EncodeRecord(record); err != nil {
			s.logger.Error("failed to encode change", "table", table, "err", err)
			return
		}
	}
	if old != nil {
		if msg.OldRecord, err = realtime.EncodeRecord(old); err != nil {
			s.logger.Error("failed to encode change", "table", table, "err", err)
			return
		}
	}
	n := s.hub.Publish(msg)
	s.logger.Debug("published change", "table", table, "kind", kind, "operation", op, "subscribers", n)
}

const assignmentColumns = `id, operation_id, assigned_to_user_id, latitude, longitude, label, notes, status, created_at, updated_at, arrived_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAssignment(row rowScanner) (*models.AssignedLocation, error) {
	var (
		a                    models.AssignedLocation
		label, notes, status sql.NullString
		arrived, completed   sql.NullTime
	)
	err := row.Scan(
		&a.ID,
		&a.OperationID,
		&a.AssignedToUserID,
		&a.Coordinate.Latitude,
		&a.Coordinate.Longitude,
		&label,
		&notes,
		&status,
		&a.CreatedAt,
		&a.UpdatedAt,
		&arrived,
		&completed,
	)
	if err != nil {
		return nil, err
	}
	a.Label = label.String
	a.Notes = notes.String
	a.Status = models.AssignmentStatus(status.String)
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	a.ArrivedAt = timePtr(arrived)
	a.CompletedAt = timePtr(completed)
	return &a, nil
}

func (s *SQLite) getAssignment(ctx context.Context, id string) (*models.AssignedLocation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assigned_locations WHERE id = ?`, id)
	a, err := scanAssignment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

func (s *SQLite) FetchAssignments(ctx context.Context, op models.OperationID) ([]models.AssignedLocation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+assignmentColumns+` FROM assigned_locations WHERE operation_id = ? ORDER BY created_at, id`, op)
	if err != nil {
		return nil, fmt.Errorf("failed to query assignments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.AssignedLocation
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan assignment: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *SQLite) FetchTargets(ctx context.Context, op models.OperationID) ([]models.Target, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, operation_id, name, latitude, longitude, notes, created_at
		FROM targets WHERE operation_id = ? ORDER BY name, id
	`, op)
	if err != nil {
		return nil, fmt.Errorf("failed to query targets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.Target
	for rows.Next() {
		var t models.Target
		var notes sql.NullString
		if err := rows.Scan(&t.ID, &t.OperationID, &t.Name, &t.Coordinate.Latitude, &t.Coordinate.Longitude, &notes, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan target: %w", err)
		}
		t.Notes = notes.String
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLite) FetchStagingPoints(ctx context.Context, op models.OperationID) ([]models.StagingPoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, operation_id, name, latitude, longitude, notes, created_at
		FROM staging_points WHERE operation_id = ? ORDER BY name, id
	`, op)
	if err != nil {
		return nil, fmt.Errorf("failed to query staging points: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.StagingPoint
	for rows.Next() {
		var p models.StagingPoint
		var notes sql.NullString
		if err := rows.Scan(&p.ID, &p.OperationID, &p.Name, &p.Coordinate.Latitude, &p.Coordinate.Longitude, &notes, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan staging point: %w", err)
		}
		p.Notes = notes.String
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLite) FetchMembers(ctx context.Context, op models.OperationID) ([]models.MemberSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT operation_id, user_id, display_name, role, call_sign
		FROM operation_members WHERE operation_id = ? ORDER BY display_name, user_id
	`, op)
	if err != nil {
		return nil, fmt.Errorf("failed to query members: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.MemberSummary
	for rows.Next() {
		var m models.MemberSummary
		var role, callSign sql.NullString
		if err := rows.Scan(&m.OperationID, &m.UserID, &m.DisplayName, &role, &callSign); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		m.Role = role.String
		m.CallSign = callSign.String
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLite) FetchMemberLocations(ctx context.Context, op models.OperationID) ([]models.LocationPoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, operation_id, recorded_at, latitude, longitude, accuracy, speed, heading
		FROM member_locations WHERE operation_id = ? ORDER BY user_id
	`, op)
	if err != nil {
		return nil, fmt.Errorf("failed to query member locations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.LocationPoint
	for rows.Next() {
		var p models.LocationPoint
		var speed, heading sql.NullFloat64
		if err := rows.Scan(&p.UserID, &p.OperationID, &p.Timestamp, &p.Latitude, &p.Longitude, &p.Accuracy, &speed, &heading); err != nil {
			return nil, fmt.Errorf("failed to scan member location: %w", err)
		}
		p.Timestamp = p.Timestamp.UTC()
		p.Speed = floatPtr(speed)
		p.Heading = floatPtr(heading)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLite) FetchMessages(ctx context.Context, op models.OperationID) ([]models.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, operation_id, sender_user_id, sender_display_name, body, media_url, created_at
		FROM chat_messages WHERE operation_id = ? ORDER BY created_at, id
	`, op)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.ChatMessage
	for rows.Next() {
		var m models.ChatMessage
		var name, media sql.NullString
		if err := rows.Scan(&m.ID, &m.OperationID, &m.SenderUserID, &name, &m.Body, &media, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.SenderDisplayName = name.String
		m.MediaURL = media.String
		m.CreatedAt = m.CreatedAt.UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLite) CreateAssignment(ctx context.Context, in backend.NewAssignment) (*models.AssignedLocation, error) {
	now := s.now()
	a := models.AssignedLocation{
		ID:               uuid.New().String(),
		OperationID:      in.OperationID,
		AssignedToUserID: in.AssignedToUserID,
		Coordinate:       in.Coordinate,
		Label:            in.Label,
		Notes:            in.Notes,
		Status:           models.StatusAssigned,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO assigned_locations (`+assignmentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.OperationID, a.AssignedToUserID, a.Coordinate.Latitude, a.Coordinate.Longitude,
		nullString(a.Label), nullString(a.Notes), a.Status, a.CreatedAt, a.UpdatedAt, nullTime(a.ArrivedAt), nullTime(a.CompletedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to insert assignment: %w", err)
	}

	s.publish(realtime.KindInsert, realtime.TableAssignments, a.OperationID, realtime.AssignmentRecordFrom(a), nil)
	return &a, nil
}

func (s *SQLite) UpdateAssignmentStatus(ctx context.Context, id string, status models.AssignmentStatus) (*models.AssignedLocation, error) {
	current, err := s.getAssignment(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load assignment: %w", err)
	}
	if current == nil {
		return nil, backend.NotFound("update status", "assignment", fmt.Errorf("assignment %s", id))
	}

	old := *current
	next := *current
	if err := next.TransitionStatus(status, s.now()); err != nil {
		return nil, err
	}
	if next.Status == old.Status {
		return &next, nil
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE assigned_locations
		SET status = ?, updated_at = ?, arrived_at = ?, completed_at = ?
		WHERE id = ?
	`, next.Status, next.UpdatedAt, nullTime(next.ArrivedAt), nullTime(next.CompletedAt), id)
	if err != nil {
		return nil, fmt.Errorf("failed to update assignment: %w", err)
	}

	s.publish(realtime.KindUpdate, realtime.TableAssignments, next.OperationID,
		realtime.AssignmentRecordFrom(next), realtime.AssignmentRecordFrom(old))
	return &next, nil
}

// CancelAssignment removes the assignment and returns its final cancelled state.
func (s *SQLite) CancelAssignment(ctx context.Context, id string) (*models.AssignedLocation, error) {
	current, err := s.getAssignment(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load assignment: %w", err)
	}
	if current == nil {
		return nil, backend.NotFound("cancel", "assignment", fmt.Errorf("assignment %s", id))
	}

	final := *current
	if err := final.TransitionStatus(models.StatusCancelled, s.now()); err != nil {
		return nil, err
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM assigned_locations WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("failed to delete assignment: %w", err)
	}

	s.publish(realtime.KindDelete, realtime.TableAssignments, final.OperationID, nil, realtime.AssignmentRecordFrom(*current))
	return &final, nil
}

func (s *SQLite) PublishLocation(ctx context.Context, point models.LocationPoint) error {
	if point.Timestamp.IsZero() {
		point.Timestamp = s.now()
	}
	point.Timestamp = point.Timestamp.UTC()
	if err := point.Validate(); err != nil {
		return err
	}

	var existing int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM member_locations WHERE operation_id = ? AND user_id = ?`,
		point.OperationID, point.UserID).Scan(&existing)
	if err != nil {
		return fmt.Errorf("failed to check member location: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO member_locations (operation_id, user_id, recorded_at, latitude, longitude, accuracy, speed, heading)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (operation_id, user_id) DO UPDATE SET
			recorded_at = excluded.recorded_at,
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			accuracy = excluded.accuracy,
			speed = excluded.speed,
			heading = excluded.heading
	`, point.OperationID, point.UserID, point.Timestamp, point.Latitude, point.Longitude, point.Accuracy,
		nullFloat(point.Speed), nullFloat(point.Heading))
	if err != nil {
		return fmt.Errorf("failed to upsert member location: %w", err)
	}

	kind := realtime.KindInsert
	if existing > 0 {
		kind = realtime.KindUpdate
	}
	s.publish(kind, realtime.TableMemberLocations, point.OperationID, realtime.LocationRecordFrom(point), nil)
	return nil
}

func (s *SQLite) SendMessage(ctx context.Context, in backend.NewMessage) (*models.ChatMessage, error) {
	m := models.ChatMessage{
		ID:                uuid.New().String(),
		OperationID:       in.OperationID,
		SenderUserID:      in.SenderUserID,
		SenderDisplayName: in.SenderDisplayName,
		Body:              in.Body,
		MediaURL:          in.MediaURL,
		CreatedAt:         s.now(),
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_messages (id, operation_id, sender_user_id, sender_display_name, body, media_url, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.OperationID, m.SenderUserID, nullString(m.SenderDisplayName), m.Body, nullString(m.MediaURL), m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}

	s.publish(realtime.KindInsert, realtime.TableMessages, m.OperationID, realtime.MessageRecordFrom(m), nil)
	return &m, nil
}

// AddTarget stores a target for local operations.
func (s *SQLite) AddTarget(ctx context.Context, t *models.Target) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO targets (id, operation_id, name, latitude, longitude, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.OperationID, t.Name, t.Coordinate.Latitude, t.Coordinate.Longitude, nullString(t.Notes), t.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert target: %w", err)
	}
	return nil
}

// AddStagingPoint stores a staging point for local operations.
func (s *SQLite) AddStagingPoint(ctx context.Context, p *models.StagingPoint) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO staging_points (id, operation_id, name, latitude, longitude, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.OperationID, p.Name, p.Coordinate.Latitude, p.Coordinate.Longitude, nullString(p.Notes), p.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert staging point: %w", err)
	}
	return nil
}

// AddMember enrolls a user in an operation, replacing an existing enrollment.
func (s *SQLite) AddMember(ctx context.Context, m models.MemberSummary) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO operation_members (operation_id, user_id, display_name, role, call_sign)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (operation_id, user_id) DO UPDATE SET
			display_name = excluded.display_name,
			role = excluded.role,
			call_sign = excluded.call_sign
	`, m.OperationID, m.UserID, m.DisplayName, nullString(m.Role), nullString(m.CallSign))
	if err != nil {
		return fmt.Errorf("failed to upsert member: %w", err)
	}
	return nil
}
