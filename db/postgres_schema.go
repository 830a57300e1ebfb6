// ABOUTME: Postgres schema and change-notification triggers for the hosted backend
// ABOUTME: Triggers publish row changes with pg_notify on one channel per streamed table
package db

import (
	"context"
	"fmt"

	"github.com/harperreed/fieldsync/realtime"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS assigned_locations (
	id TEXT PRIMARY KEY,
	operation_id TEXT NOT NULL,
	assigned_to_user_id TEXT NOT NULL,
	latitude DOUBLE PRECISION NOT NULL,
	longitude DOUBLE PRECISION NOT NULL,
	label TEXT,
	notes TEXT,
	status TEXT NOT NULL DEFAULT 'assigned',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	arrived_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_assigned_locations_operation ON assigned_locations(operation_id);

CREATE TABLE IF NOT EXISTS targets (
	id TEXT PRIMARY KEY,
	operation_id TEXT NOT NULL,
	name TEXT NOT NULL,
	latitude DOUBLE PRECISION NOT NULL,
	longitude DOUBLE PRECISION NOT NULL,
	notes TEXT,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_targets_operation ON targets(operation_id);

CREATE TABLE IF NOT EXISTS staging_points (
	id TEXT PRIMARY KEY,
	operation_id TEXT NOT NULL,
	name TEXT NOT NULL,
	latitude DOUBLE PRECISION NOT NULL,
	longitude DOUBLE PRECISION NOT NULL,
	notes TEXT,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_staging_points_operation ON staging_points(operation_id);

CREATE TABLE IF NOT EXISTS operation_members (
	operation_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	display_name TEXT NOT NULL,
	role TEXT,
	call_sign TEXT,
	PRIMARY KEY (operation_id, user_id)
);

CREATE TABLE IF NOT EXISTS member_locations (
	operation_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL,
	latitude DOUBLE PRECISION NOT NULL,
	longitude DOUBLE PRECISION NOT NULL,
	accuracy DOUBLE PRECISION NOT NULL DEFAULT 0,
	speed DOUBLE PRECISION,
	heading DOUBLE PRECISION,
	PRIMARY KEY (operation_id, user_id)
);

CREATE TABLE IF NOT EXISTS chat_messages (
	id TEXT PRIMARY KEY,
	operation_id TEXT NOT NULL,
	sender_user_id TEXT NOT NULL,
	sender_display_name TEXT,
	body TEXT NOT NULL,
	media_url TEXT,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chat_messages_operation ON chat_messages(operation_id, created_at);
`

// notifyFunction emits the payload PostgresFeed parses:
// {"op","table","operation_id","record","old_record","commit_timestamp"}.
const notifyFunction = `
CREATE OR REPLACE FUNCTION fieldsync_notify() RETURNS trigger AS $$
DECLARE
	rec jsonb;
	old_rec jsonb;
BEGIN
	IF TG_OP <> 'DELETE' THEN
		rec := to_jsonb(NEW);
	END IF;
	IF TG_OP <> 'INSERT' THEN
		old_rec := to_jsonb(OLD);
	END IF;
	PERFORM pg_notify(
		'` + realtime.NotifyChannelPrefix + `' || TG_TABLE_NAME,
		jsonb_build_object(
			'op', TG_OP,
			'table', TG_TABLE_NAME,
			'operation_id', COALESCE(rec->>'operation_id', old_rec->>'operation_id'),
			'record', rec,
			'old_record', old_rec,
			'commit_timestamp', now()
		)::text
	);
	RETURN NULL;
END;
$$ LANGUAGE plpgsql;
`

// StreamedTables are the tables carrying change triggers.
var StreamedTables = []string{
	realtime.TableAssignments,
	realtime.TableMemberLocations,
	realtime.TableMessages,
}

// InitPostgresSchema creates the tables if they do not exist.
func InitPostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to create postgres schema: %w", err)
	}
	return nil
}

// InstallChangeTriggers installs the notify function and one trigger per streamed table.
func InstallChangeTriggers(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, notifyFunction); err != nil {
		return fmt.Errorf("failed to install notify function: %w", err)
	}
	for _, table := range StreamedTables {
		name := pgx.Identifier{"fieldsync_notify_" + table}.Sanitize()
		ident := pgx.Identifier{table}.Sanitize()
		stmts := []string{
			"DROP TRIGGER IF EXISTS " + name + " ON " + ident,
			"CREATE TRIGGER " + name + " AFTER INSERT OR UPDATE OR DELETE ON " + ident +
				" FOR EACH ROW EXECUTE FUNCTION fieldsync_notify()",
		}
		for _, stmt := range stmts {
			if _, err := pool.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("failed to install trigger on %s: %w", table, err)
			}
		}
	}
	return nil
}
