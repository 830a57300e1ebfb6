// ABOUTME: Local SQLite schema for the offline backend
// ABOUTME: Mirrors the hosted tables so the same row shapes stream through the change hub
package db

import (
	"database/sql"
)

const schema = `
CREATE TABLE IF NOT EXISTS assigned_locations (
	id TEXT PRIMARY KEY,
	operation_id TEXT NOT NULL,
	assigned_to_user_id TEXT NOT NULL,
	latitude REAL NOT NULL,
	longitude REAL NOT NULL,
	label TEXT,
	notes TEXT,
	status TEXT NOT NULL DEFAULT 'assigned',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	arrived_at DATETIME,
	completed_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_assigned_locations_operation ON assigned_locations(operation_id);
CREATE INDEX IF NOT EXISTS idx_assigned_locations_user ON assigned_locations(assigned_to_user_id);

CREATE TABLE IF NOT EXISTS targets (
	id TEXT PRIMARY KEY,
	operation_id TEXT NOT NULL,
	name TEXT NOT NULL,
	latitude REAL NOT NULL,
	longitude REAL NOT NULL,
	notes TEXT,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_targets_operation ON targets(operation_id);

CREATE TABLE IF NOT EXISTS staging_points (
	id TEXT PRIMARY KEY,
	operation_id TEXT NOT NULL,
	name TEXT NOT NULL,
	latitude REAL NOT NULL,
	longitude REAL NOT NULL,
	notes TEXT,
	created_at DATETIME NOT NULL
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
	recorded_at DATETIME NOT NULL,
	latitude REAL NOT NULL,
	longitude REAL NOT NULL,
	accuracy REAL NOT NULL DEFAULT 0,
	speed REAL,
	heading REAL,
	PRIMARY KEY (operation_id, user_id)
);

CREATE TABLE IF NOT EXISTS chat_messages (
	id TEXT PRIMARY KEY,
	operation_id TEXT NOT NULL,
	sender_user_id TEXT NOT NULL,
	sender_display_name TEXT,
	body TEXT NOT NULL,
	media_url TEXT,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chat_messages_operation ON chat_messages(operation_id, created_at);
`

func InitSchema(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}
