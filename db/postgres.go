// ABOUTME: Hosted Postgres backend implementing the fetch and write contracts over pgxpool
// ABOUTME: Change messages come from the notify triggers rather than from the writer
package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/harperreed/fieldsync/backend"
	"github.com/harperreed/fieldsync/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ backend.Backend = (*Postgres)(nil)

// Postgres serves operations from a shared database.
type Postgres struct {
	pool   *pgxpool.Pool
	now    func() time.Time
	logger *log.Logger
}

func NewPostgres(pool *pgxpool.Pool, logger *log.Logger) *Postgres {
	if logger == nil {
		logger = log.Default()
	}
	return &Postgres{
		pool:   pool,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.WithPrefix("db/postgres"),
	}
}

// ConnectPostgres opens a pool for dsn, applies the schema and installs the change triggers.
func ConnectPostgres(ctx context.Context, dsn string, logger *log.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	if err := InitPostgresSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	if err := InstallChangeTriggers(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return NewPostgres(pool, logger), nil
}

func (p *Postgres) Pool() *pgxpool.Pool { return p.pool }

func (p *Postgres) Close() { p.pool.Close() }

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func scanPgAssignment(row pgx.Row) (models.AssignedLocation, error) {
	var (
		a             models.AssignedLocation
		op, status    string
		label, notes  *string
		arrived, done *time.Time
	)
	err := row.Scan(
		&a.ID,
		&op,
		&a.AssignedToUserID,
		&a.Coordinate.Latitude,
		&a.Coordinate.Longitude,
		&label,
		&notes,
		&status,
		&a.CreatedAt,
		&a.UpdatedAt,
		&arrived,
		&done,
	)
	if err != nil {
		return a, err
	}
	a.OperationID = models.OperationID(op)
	a.Status = models.AssignmentStatus(status)
	a.Label = derefString(label)
	a.Notes = derefString(notes)
	a.ArrivedAt = arrived
	a.CompletedAt = done
	return a, nil
}

func collect[T any](ctx context.Context, pool *pgxpool.Pool, what, query string, scan func(pgx.Row) (T, error), args ...any) ([]T, error) {
	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", what, err)
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (T, error) {
		return scan(row)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", what, err)
	}
	return items, nil
}

func (p *Postgres) FetchAssignments(ctx context.Context, op models.OperationID) ([]models.AssignedLocation, error) {
	return collect(ctx, p.pool, "assignments",
		`SELECT `+assignmentColumns+` FROM assigned_locations WHERE operation_id = $1 ORDER BY created_at, id`,
		scanPgAssignment, string(op))
}

func scanPlace(row pgx.Row) (id, op, name string, c models.Coordinate, notes string, created time.Time, err error) {
	var n *string
	err = row.Scan(&id, &op, &name, &c.Latitude, &c.Longitude, &n, &created)
	return id, op, name, c, derefString(n), created, err
}

func (p *Postgres) FetchTargets(ctx context.Context, op models.OperationID) ([]models.Target, error) {
	return collect(ctx, p.pool, "targets", `
		SELECT id, operation_id, name, latitude, longitude, notes, created_at
		FROM targets WHERE operation_id = $1 ORDER BY name, id
	`, func(row pgx.Row) (models.Target, error) {
		id, opID, name, c, notes, created, err := scanPlace(row)
		return models.Target{ID: id, OperationID: models.OperationID(opID), Name: name, Coordinate: c, Notes: notes, CreatedAt: created}, err
	}, string(op))
}

func (p *Postgres) FetchStagingPoints(ctx context.Context, op models.OperationID) ([]models.StagingPoint, error) {
	return collect(ctx, p.pool, "staging points", `
		SELECT id, operation_id, name, latitude, longitude, notes, created_at
		FROM staging_points WHERE operation_id = $1 ORDER BY name, id
	`, func(row pgx.Row) (models.StagingPoint, error) {
		id, opID, name, c, notes, created, err := scanPlace(row)
		return models.StagingPoint{ID: id, OperationID: models.OperationID(opID), Name: name, Coordinate: c, Notes: notes, CreatedAt: created}, err
	}, string(op))
}

func (p *Postgres) FetchMembers(ctx context.Context, op models.OperationID) ([]models.MemberSummary, error) {
	return collect(ctx, p.pool, "members", `
		SELECT operation_id, user_id, display_name, role, call_sign
		FROM operation_members WHERE operation_id = $1 ORDER BY display_name, user_id
	`, func(row pgx.Row) (models.MemberSummary, error) {
		var (
			m        models.MemberSummary
			opID     string
			role, cs *string
		)
		err := row.Scan(&opID, &m.UserID, &m.DisplayName, &role, &cs)
		m.OperationID = models.OperationID(opID)
		m.Role = derefString(role)
		m.CallSign = derefString(cs)
		return m, err
	}, string(op))
}

func scanPgLocation(row pgx.Row) (models.LocationPoint, error) {
	var (
		pt   models.LocationPoint
		opID string
	)
	err := row.Scan(&pt.UserID, &opID, &pt.Timestamp, &pt.Latitude, &pt.Longitude, &pt.Accuracy, &pt.Speed, &pt.Heading)
	pt.OperationID = models.OperationID(opID)
	return pt, err
}

func (p *Postgres) FetchMemberLocations(ctx context.Context, op models.OperationID) ([]models.LocationPoint, error) {
	return collect(ctx, p.pool, "member locations", `
		SELECT user_id, operation_id, recorded_at, latitude, longitude, accuracy, speed, heading
		FROM member_locations WHERE operation_id = $1 ORDER BY user_id
	`, scanPgLocation, string(op))
}

func (p *Postgres) FetchMessages(ctx context.Context, op models.OperationID) ([]models.ChatMessage, error) {
	return collect(ctx, p.pool, "messages", `
		SELECT id, operation_id, sender_user_id, sender_display_name, body, media_url, created_at
		FROM chat_messages WHERE operation_id = $1 ORDER BY created_at, id
	`, func(row pgx.Row) (models.ChatMessage, error) {
		var (
			m           models.ChatMessage
			opID        string
			name, media *string
		)
		err := row.Scan(&m.ID, &opID, &m.SenderUserID, &name, &m.Body, &media, &m.CreatedAt)
		m.OperationID = models.OperationID(opID)
		m.SenderDisplayName = derefString(name)
		m.MediaURL = derefString(media)
		return m, err
	}, string(op))
}

func (p *Postgres) CreateAssignment(ctx context.Context, in backend.NewAssignment) (*models.AssignedLocation, error) {
	now := p.now()
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

	row := p.pool.QueryRow(ctx, `
		INSERT INTO assigned_locations (`+assignmentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULL, NULL)
		RETURNING `+assignmentColumns,
		a.ID, string(a.OperationID), a.AssignedToUserID, a.Coordinate.Latitude, a.Coordinate.Longitude,
		optional(a.Label), optional(a.Notes), string(a.Status), a.CreatedAt, a.UpdatedAt)
	created, err := scanPgAssignment(row)
	if err != nil {
		return nil, fmt.Errorf("failed to insert assignment: %w", err)
	}
	return &created, nil
}

func (p *Postgres) UpdateAssignmentStatus(ctx context.Context, id string, status models.AssignmentStatus) (*models.AssignedLocation, error) {
	var result models.AssignedLocation
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		current, err := scanPgAssignment(tx.QueryRow(ctx,
			`SELECT `+assignmentColumns+` FROM assigned_locations WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return backend.NotFound("update status", "assignment", fmt.Errorf("assignment %s", id))
		}
		if err != nil {
			return fmt.Errorf("failed to load assignment: %w", err)
		}

		next := current
		if err := next.TransitionStatus(status, p.now()); err != nil {
			return err
		}
		if next.Status == current.Status {
			result = next
			return nil
		}
		_, err = tx.Exec(ctx, `
			UPDATE assigned_locations
			SET status = $2, updated_at = $3, arrived_at = $4, completed_at = $5
			WHERE id = $1
		`, id, string(next.Status), next.UpdatedAt, next.ArrivedAt, next.CompletedAt)
		if err != nil {
			return fmt.Errorf("failed to update assignment: %w", err)
		}
		result = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// CancelAssignment removes the assignment and returns its final cancelled state.
func (p *Postgres) CancelAssignment(ctx context.Context, id string) (*models.AssignedLocation, error) {
	var result models.AssignedLocation
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		current, err := scanPgAssignment(tx.QueryRow(ctx,
			`SELECT `+assignmentColumns+` FROM assigned_locations WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return backend.NotFound("cancel", "assignment", fmt.Errorf("assignment %s", id))
		}
		if err != nil {
			return fmt.Errorf("failed to load assignment: %w", err)
		}
		if err := current.TransitionStatus(models.StatusCancelled, p.now()); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM assigned_locations WHERE id = $1`, id); err != nil {
			return fmt.Errorf("failed to delete assignment: %w", err)
		}
		result = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (p *Postgres) PublishLocation(ctx context.Context, point models.LocationPoint) error {
	if point.Timestamp.IsZero() {
		point.Timestamp = p.now()
	}
	if err := point.Validate(); err != nil {
		return err
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO member_locations (operation_id, user_id, recorded_at, latitude, longitude, accuracy, speed, heading)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (operation_id, user_id) DO UPDATE SET
			recorded_at = EXCLUDED.recorded_at,
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			accuracy = EXCLUDED.accuracy,
			speed = EXCLUDED.speed,
			heading = EXCLUDED.heading
	`, string(point.OperationID), point.UserID, point.Timestamp.UTC(), point.Latitude, point.Longitude, point.Accuracy, point.Speed, point.Heading)
	if err != nil {
		return fmt.Errorf("failed to upsert member location: %w", err)
	}
	return nil
}

func (p *Postgres) SendMessage(ctx context.Context, in backend.NewMessage) (*models.ChatMessage, error) {
	m := models.ChatMessage{
		ID:                uuid.New().String(),
		OperationID:       in.OperationID,
		SenderUserID:      in.SenderUserID,
		SenderDisplayName: in.SenderDisplayName,
		Body:              in.Body,
		MediaURL:          in.MediaURL,
		CreatedAt:         p.now(),
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO chat_messages (id, operation_id, sender_user_id, sender_display_name, body, media_url, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, m.ID, string(m.OperationID), m.SenderUserID, optional(m.SenderDisplayName), m.Body, optional(m.MediaURL), m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}
	p.logger.Debug("message sent", "operation", m.OperationID, "id", m.ID)
	return &m, nil
}
