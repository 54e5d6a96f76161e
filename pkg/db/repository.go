package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/fly-io/fwupdate/pkg/errors"
	_ "modernc.org/sqlite"
)

// Repository provides durable storage for device update state
type Repository struct {
	db *sql.DB
}

// NewRepository opens the database and creates the schema
func NewRepository(dbPath string) (*Repository, error) {
	slog.Info("database_init", "db_path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		slog.Error("database_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open database")
	}
	// One owner, one connection: PRAGMAs apply to every statement.
	db.SetMaxOpenConns(1)

	slog.Info("database_create_schema", "db_path", dbPath)
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("database_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	slog.Info("database_ready", "db_path", dbPath)
	return &Repository{db: db}, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

// Seed creates the state row with the factory version if it does not exist yet
func (r *Repository) Seed(ctx context.Context, factoryVersion []byte, algorithm string) error {
	slog.Info("database_seed_state", "factory_version", string(factoryVersion), "digest_algorithm", algorithm)

	query := `INSERT OR IGNORE INTO device_state (id, current_version, digest_algorithm) VALUES (1, ?, ?)`
	if _, err := r.db.ExecContext(ctx, query, nonNil(factoryVersion), algorithm); err != nil {
		slog.Error("database_seed_failed", "error", err)
		return errors.Wrap(err, "failed to seed device state")
	}
	return nil
}

// LoadState reads the device state row
func (r *Repository) LoadState(ctx context.Context) (*State, error) {
	query := `
		SELECT current_version, next_version, session_open, next_offset, pending,
		       digest_algorithm, digest_state, checksum, updated_at
		FROM device_state WHERE id = 1
	`
	var st State
	var updatedAt sql.NullString

	err := r.db.QueryRowContext(ctx, query).Scan(
		&st.CurrentVersion, &st.NextVersion, &st.SessionOpen, &st.NextOffset, &st.Pending,
		&st.DigestAlgorithm, &st.DigestState, &st.Checksum, &updatedAt)
	if err == sql.ErrNoRows {
		slog.Error("database_state_not_seeded")
		return nil, fmt.Errorf("device state not initialised")
	}
	if err != nil {
		slog.Error("database_state_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to query device state")
	}
	st.UpdatedAt = updatedAt.String

	return &st, nil
}

// SaveState replaces the device state row in a single statement
func (r *Repository) SaveState(ctx context.Context, st *State) error {
	query := `
		UPDATE device_state
		SET current_version = ?, next_version = ?, session_open = ?, next_offset = ?, pending = ?,
		    digest_algorithm = ?, digest_state = ?, checksum = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = 1
	`
	var nextVersion any
	if st.SessionOpen {
		nextVersion = nonNil(st.NextVersion)
	}
	result, err := r.db.ExecContext(ctx, query,
		nonNil(st.CurrentVersion), nextVersion, st.SessionOpen, st.NextOffset, st.Pending,
		st.DigestAlgorithm, nullable(st.DigestState), nullable(st.Checksum))
	if err != nil {
		slog.Error("database_state_update_failed", "next_offset", st.NextOffset, "error", err)
		return errors.Wrap(err, "failed to update device state")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		slog.Error("database_rows_affected_failed", "error", err)
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		slog.Error("database_state_not_seeded")
		return fmt.Errorf("device state not initialised")
	}
	return nil
}

// RecordEvent appends an entry to the update history
func (r *Repository) RecordEvent(ctx context.Context, ev *Event) error {
	query := `INSERT INTO update_history (version, event, bytes, detail) VALUES (?, ?, ?, ?)`
	result, err := r.db.ExecContext(ctx, query, nonNil(ev.Version), ev.Event, ev.Bytes, ev.Detail)
	if err != nil {
		slog.Error("database_history_insert_failed", "event", ev.Event, "error", err)
		return errors.Wrap(err, "failed to insert history event")
	}

	id, err := result.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "failed to get last insert id")
	}
	ev.ID = id
	return nil
}

// ListEvents returns the most recent history entries, newest first
func (r *Repository) ListEvents(ctx context.Context, limit int) ([]*Event, error) {
	slog.Info("database_list_history", "limit", limit)

	if limit <= 0 {
		limit = -1
	}
	query := `
		SELECT id, version, event, bytes, detail, created_at
		FROM update_history ORDER BY id DESC LIMIT ?
	`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list history")
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var ev Event
		var detail, createdAt sql.NullString
		if err := rows.Scan(&ev.ID, &ev.Version, &ev.Event, &ev.Bytes, &detail, &createdAt); err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}
		ev.Detail = detail.String
		ev.CreatedAt = createdAt.String
		events = append(events, &ev)
	}

	if err := rows.Err(); err != nil {
		slog.Error("database_rows_error", "error", err)
		return nil, errors.Wrap(err, "rows error")
	}

	slog.Info("database_list_complete", "event_count", len(events))
	return events, nil
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

func nullable(b []byte) any {
	if b == nil {
		return nil
	}
	return b
}
