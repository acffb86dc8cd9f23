package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"invisimark/internal/models"
)

// Backend is implemented by Storage and SQLite.
type Backend interface {
	CreateJob(ctx context.Context, job *models.ImageJob) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.ImageJob, error)
	UpdateJob(ctx context.Context, id uuid.UUID, mutate func(*models.ImageJob) (bool, error)) (*models.ImageJob, error)
	FindByPayload(ctx context.Context, payload string) ([]*models.ImageJob, error)
	ListJobs(ctx context.Context, ownerSubject string, limit, offset int) ([]*models.ImageJob, int, error)
	Close() error
}

var (
	_ Backend = (*Storage)(nil)
	_ Backend = (*SQLite)(nil)
)

func Open(ctx context.Context, driver, dsn string) (Backend, error) {
	switch driver {
	case "postgres":
		s, err := NewStorage(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "sqlite":
		s, err := OpenSQLite(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("storage.Open: unsupported driver %q", driver)
}
