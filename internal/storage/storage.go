// internal/storage/storage.go
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pressly/goose/v3"

	"invisimark/internal/models"
)

// Storage is the PostgreSQL job store.
type Storage struct {
	pool *pgxpool.Pool
	db   *sql.DB // For migrations
}

func NewStorage(ctx context.Context, dsn string) (*Storage, error) {
	const op = "storage.NewStorage"

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := runMigrations(ctx, db, goose.DialectPostgres, "migrations/postgres"); err != nil {
		db.Close()
		pool.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Storage{pool: pool, db: db}, nil
}

func (s *Storage) Close() error {
	s.pool.Close()
	return s.db.Close()
}

func scanPG(row pgx.Row) (*models.ImageJob, error) {
	var (
		job     models.ImageJob
		status  string
		options []byte
	)
	if err := row.Scan(jobDest(&job, &status, &options, &job.Watermark.UpdatedAt, &job.CreatedAt)...); err != nil {
		return nil, err
	}
	if err := decodeWatermark(&job, status, options); err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *Storage) CreateJob(ctx context.Context, job *models.ImageJob) error {
	const op = "storage.CreateJob"

	options, err := encodeOptions(job.Watermark.Options)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO images (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		job.ID, job.Owner.Subject, job.Owner.Email,
		job.Original.Locator, job.Original.Filename, job.Original.Size,
		job.Original.ContentType, job.Original.Hash,
		job.Original.Width, job.Original.Height, job.Original.ThumbnailLocator,
		job.WatermarkPayload, string(job.Watermark.Status), options, job.Watermark.ResultLocator,
		job.Watermark.Error, job.Watermark.DispatchID, job.Watermark.DestLocator,
		job.Watermark.UpdatedAt, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) GetJob(ctx context.Context, id uuid.UUID) (*models.ImageJob, error) {
	const op = "storage.GetJob"

	job, err := scanPG(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM images WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", op, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return job, nil
}

// UpdateJob locks the row, hands the current record to mutate and writes
// back the watermark columns in the same transaction.
func (s *Storage) UpdateJob(ctx context.Context, id uuid.UUID, mutate func(*models.ImageJob) (bool, error)) (*models.ImageJob, error) {
	const op = "storage.UpdateJob"

	var out *models.ImageJob
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		job, err := scanPG(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM images WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ErrNotFound
		}
		if err != nil {
			return err
		}

		changed, err := mutate(job)
		if err != nil {
			return err
		}
		out = job
		if !changed {
			return nil
		}

		job.Watermark.UpdatedAt = time.Now().UTC().Truncate(time.Microsecond)
		options, err := encodeOptions(job.Watermark.Options)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`UPDATE images SET watermark_status = $2, watermark_options = $3, watermark_result_locator = $4,
			 watermark_error = $5, watermark_dispatch_id = $6, watermark_dest_locator = $7, watermark_updated_at = $8
			 WHERE id = $1`,
			id, string(job.Watermark.Status), options, job.Watermark.ResultLocator,
			job.Watermark.Error, job.Watermark.DispatchID, job.Watermark.DestLocator, job.Watermark.UpdatedAt)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

func (s *Storage) FindByPayload(ctx context.Context, payload string) ([]*models.ImageJob, error) {
	const op = "storage.FindByPayload"

	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM images WHERE watermark_payload = $1 ORDER BY created_at ASC`, payload)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []*models.ImageJob
	for rows.Next() {
		job, err := scanPG(rows)
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

func (s *Storage) ListJobs(ctx context.Context, ownerSubject string, limit, offset int) ([]*models.ImageJob, int, error) {
	const op = "storage.ListJobs"
	limit, offset = clampPage(limit, offset)

	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM images WHERE owner_subject = $1`, ownerSubject).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("%s: %w", op, err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM images WHERE owner_subject = $1
		 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, ownerSubject, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	out := make([]*models.ImageJob, 0, limit)
	for rows.Next() {
		job, err := scanPG(rows)
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
