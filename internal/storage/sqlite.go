package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"invisimark/internal/models"
)

// SQLite is a single-file job store for local runs and tests. All access
// goes through one connection, which serialises writers.
type SQLite struct {
	db *sql.DB
}

func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	const op = "storage.OpenSQLite"

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := runMigrations(ctx, db, goose.DialectSQLite3, "migrations/sqlite"); err != nil {
		db.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	db.SetMaxOpenConns(1)
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLite(row rowScanner) (*models.ImageJob, error) {
	var (
		job                  models.ImageJob
		status               string
		options              []byte
		updatedMs, createdMs int64
	)
	if err := row.Scan(jobDest(&job, &status, &options, &updatedMs, &createdMs)...); err != nil {
		return nil, err
	}
	if err := decodeWatermark(&job, status, options); err != nil {
		return nil, err
	}
	job.Watermark.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	job.CreatedAt = time.UnixMilli(createdMs).UTC()
	return &job, nil
}

func (s *SQLite) CreateJob(ctx context.Context, job *models.ImageJob) error {
	const op = "storage.SQLite.CreateJob"

	options, err := encodeOptions(job.Watermark.Options)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO images (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID.String(), job.Owner.Subject, job.Owner.Email,
		job.Original.Locator, job.Original.Filename, job.Original.Size,
		job.Original.ContentType, job.Original.Hash,
		job.Original.Width, job.Original.Height, job.Original.ThumbnailLocator,
		job.WatermarkPayload, string(job.Watermark.Status), options, job.Watermark.ResultLocator,
		job.Watermark.Error, job.Watermark.DispatchID, job.Watermark.DestLocator,
		job.Watermark.UpdatedAt.UnixMilli(), job.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *SQLite) GetJob(ctx context.Context, id uuid.UUID) (*models.ImageJob, error) {
	const op = "storage.SQLite.GetJob"

	job, err := scanSQLite(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM images WHERE id = ?`, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", op, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return job, nil
}

func (s *SQLite) UpdateJob(ctx context.Context, id uuid.UUID, mutate func(*models.ImageJob) (bool, error)) (*models.ImageJob, error) {
	const op = "storage.SQLite.UpdateJob"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback()

	job, err := scanSQLite(tx.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM images WHERE id = ?`, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", op, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	changed, err := mutate(job)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !changed {
		return job, nil
	}

	job.Watermark.UpdatedAt = time.Now().UTC().Truncate(time.Millisecond)
	options, err := encodeOptions(job.Watermark.Options)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE images SET watermark_status = ?, watermark_options = ?, watermark_result_locator = ?,
		 watermark_error = ?, watermark_dispatch_id = ?, watermark_dest_locator = ?, watermark_updated_at = ?
		 WHERE id = ?`,
		string(job.Watermark.Status), options, job.Watermark.ResultLocator,
		job.Watermark.Error, job.Watermark.DispatchID, job.Watermark.DestLocator,
		job.Watermark.UpdatedAt.UnixMilli(), id.String()); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return job, nil
}

func (s *SQLite) FindByPayload(ctx context.Context, payload string) ([]*models.ImageJob, error) {
	const op = "storage.SQLite.FindByPayload"

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM images WHERE watermark_payload = ? ORDER BY created_at ASC`, payload)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []*models.ImageJob
	for rows.Next() {
		job, err := scanSQLite(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

func (s *SQLite) ListJobs(ctx context.Context, ownerSubject string, limit, offset int) ([]*models.ImageJob, int, error) {
	const op = "storage.SQLite.ListJobs"
	limit, offset = clampPage(limit, offset)

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM images WHERE owner_subject = ?`, ownerSubject).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("%s: %w", op, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM images WHERE owner_subject = ?
		 ORDER BY created_at DESC LIMIT ? OFFSET ?`, ownerSubject, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	out := make([]*models.ImageJob, 0, limit)
	for rows.Next() {
		job, err := scanSQLite(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("%s: %w", op, err)
	}
	return out, total, nil
}
