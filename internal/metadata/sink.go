// Package metadata applies partial updates to the per-video record.
package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/transcode-worker/internal/domain"
	"github.com/jmoiron/sqlx"
)

// Update is a partial change to a video record. Empty fields are left as they are.
type Update struct {
	Status        string
	TranscodedURL map[string]string // merged by quality label
	ThumbnailURL  string
	Error         string // written only with the failed status
}

// Record is the transcode-related part of a video record
type Record struct {
	ID            string
	Status        string
	TranscodedURL map[string]string
	ThumbnailURL  string
	Error         string
}

// Sink is the metadata boundary used by the pipeline
type Sink interface {
	UpdatePartial(ctx context.Context, recordID string, u Update) error
}

type dialect struct {
	update string
	insert string
	schema string
	get    string
}

// A processing update never regresses a completed record, and the error text
// is cleared by any status other than failed.
var postgresDialect = dialect{
	update: `
		UPDATE videos
		SET transcode_status = CASE
				WHEN transcode_status = 'completed' AND $1::text = 'processing' THEN transcode_status
				ELSE $1::text
			END,
			transcoded_url = COALESCE(transcoded_url, '{}'::jsonb) || $2::jsonb,
			thumbnail_url = COALESCE(NULLIF($3::text, ''), thumbnail_url),
			transcode_error = CASE WHEN $1::text = 'failed' THEN NULLIF($4::text, '') ELSE NULL END,
			updated_at = NOW()
		WHERE id = $5
	`,
	insert: `
		INSERT INTO videos (id, transcode_status, transcoded_url, updated_at)
		VALUES ($1, 'pending', '{}'::jsonb, NOW())
		ON CONFLICT (id) DO NOTHING
	`,
	schema: `
		CREATE TABLE IF NOT EXISTS videos (
			id TEXT PRIMARY KEY,
			transcode_status TEXT NOT NULL DEFAULT 'pending',
			transcoded_url JSONB NOT NULL DEFAULT '{}'::jsonb,
			thumbnail_url TEXT,
			transcode_error TEXT,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`,
	get: `
		SELECT id, transcode_status, transcoded_url, thumbnail_url, transcode_error
		FROM videos
		WHERE id = $1
	`,
}

var sqliteDialect = dialect{
	update: `
		UPDATE videos
		SET transcode_status = CASE
				WHEN transcode_status = 'completed' AND ?1 = 'processing' THEN transcode_status
				ELSE ?1
			END,
			transcoded_url = json_patch(COALESCE(transcoded_url, '{}'), ?2),
			thumbnail_url = COALESCE(NULLIF(?3, ''), thumbnail_url),
			transcode_error = CASE WHEN ?1 = 'failed' THEN NULLIF(?4, '') ELSE NULL END,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?5
	`,
	insert: `
		INSERT INTO videos (id, transcode_status, transcoded_url, updated_at)
		VALUES (?1, 'pending', '{}', CURRENT_TIMESTAMP)
		ON CONFLICT (id) DO NOTHING
	`,
	schema: `
		CREATE TABLE IF NOT EXISTS videos (
			id TEXT PRIMARY KEY,
			transcode_status TEXT NOT NULL DEFAULT 'pending',
			transcoded_url TEXT NOT NULL DEFAULT '{}',
			thumbnail_url TEXT,
			transcode_error TEXT,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`,
	get: `
		SELECT id, transcode_status, transcoded_url, thumbnail_url, transcode_error
		FROM videos
		WHERE id = ?1
	`,
}

// SQLSink stores video records in postgres or sqlite
type SQLSink struct {
	db            *sqlx.DB
	dialect       dialect
	createMissing bool
	logger        *slog.Logger
}

// NewSQLSink picks the dialect from the driver name of db
func NewSQLSink(db *sqlx.DB, createMissing bool, logger *slog.Logger) (*SQLSink, error) {
	var d dialect
	switch db.DriverName() {
	case "postgres", "pgx":
		d = postgresDialect
	case "sqlite", "sqlite3":
		d = sqliteDialect
	default:
		return nil, fmt.Errorf("unsupported metadata driver %q", db.DriverName())
	}
	return &SQLSink{db: db, dialect: d, createMissing: createMissing, logger: logger}, nil
}

// EnsureSchema creates the videos table when it does not exist
func (s *SQLSink) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.schema); err != nil {
		return fmt.Errorf("failed to create videos table: %w", err)
	}
	return nil
}

// UpdatePartial applies u to the record. Repeating the same update converges
// to the same row. Returns domain.ErrRecordNotFound when no record exists and
// create_missing is off.
func (s *SQLSink) UpdatePartial(ctx context.Context, recordID string, u Update) error {
	if u.Status == "" {
		return fmt.Errorf("update for %s carries no transcode_status", recordID)
	}
	urls := u.TranscodedURL
	if urls == nil {
		urls = map[string]string{}
	}
	urlJSON, err := json.Marshal(urls)
	if err != nil {
		return fmt.Errorf("failed to marshal transcoded_url: %w", err)
	}

	affected, err := s.update(ctx, recordID, u, urlJSON)
	if err != nil {
		return err
	}

	if affected == 0 {
		if !s.createMissing {
			return fmt.Errorf("%w: %s", domain.ErrRecordNotFound, recordID)
		}
		if _, err := s.db.ExecContext(ctx, s.dialect.insert, recordID); err != nil {
			return fmt.Errorf("failed to create video record: %w", err)
		}
		if affected, err = s.update(ctx, recordID, u, urlJSON); err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("%w: %s", domain.ErrRecordNotFound, recordID)
		}
	}

	s.logger.Debug("Video record updated",
		slog.String("video_id", recordID),
		slog.String("status", u.Status),
		slog.Int("renditions", len(u.TranscodedURL)),
	)
	return nil
}

func (s *SQLSink) update(ctx context.Context, recordID string, u Update, urlJSON []byte) (int64, error) {
	result, err := s.db.ExecContext(ctx, s.dialect.update, u.Status, string(urlJSON), u.ThumbnailURL, u.Error, recordID)
	if err != nil {
		return 0, fmt.Errorf("failed to update video record: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected, nil
}

type recordRow struct {
	ID            string         `db:"id"`
	Status        string         `db:"transcode_status"`
	TranscodedURL []byte         `db:"transcoded_url"`
	ThumbnailURL  sql.NullString `db:"thumbnail_url"`
	Error         sql.NullString `db:"transcode_error"`
}

// Get reads a record
func (s *SQLSink) Get(ctx context.Context, recordID string) (*Record, error) {
	var row recordRow
	if err := s.db.GetContext(ctx, &row, s.dialect.get, recordID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrRecordNotFound, recordID)
		}
		return nil, fmt.Errorf("failed to get video record: %w", err)
	}

	rec := &Record{
		ID:            row.ID,
		Status:        row.Status,
		TranscodedURL: map[string]string{},
		ThumbnailURL:  row.ThumbnailURL.String,
		Error:         row.Error.String,
	}
	if len(row.TranscodedURL) > 0 {
		if err := json.Unmarshal(row.TranscodedURL, &rec.TranscodedURL); err != nil {
			return nil, fmt.Errorf("corrupt transcoded_url for %s: %w", recordID, err)
		}
	}
	return rec, nil
}
