// Package watermark runs the asynchronous watermark job lifecycle: job
// creation, embed requests, worker callbacks, status reads and provenance
// verification.
package watermark

import (
	"context"
	"fmt"
	"log"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"invisimark/internal/events"
	"invisimark/internal/models"
	"invisimark/internal/payload"
	"invisimark/internal/worker"
)

type Store interface {
	CreateJob(ctx context.Context, job *models.ImageJob) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.ImageJob, error)
	UpdateJob(ctx context.Context, id uuid.UUID, mutate func(*models.ImageJob) (bool, error)) (*models.ImageJob, error)
	FindByPayload(ctx context.Context, payload string) ([]*models.ImageJob, error)
	ListJobs(ctx context.Context, ownerSubject string, limit, offset int) ([]*models.ImageJob, int, error)
}

type Dispatcher interface {
	SendEmbed(ctx context.Context, req worker.EmbedRequest) error
	SendExtract(ctx context.Context, req worker.ExtractRequest) (string, error)
}

type Publisher interface {
	Publish(ctx context.Context, ev events.Event) error
}

// Files resolves storage locators to paths the worker can read and write.
type Files interface {
	Locator(rel string) string
	Path(locator string) (string, error)
}

type Config struct {
	CallbackURL   string
	DefaultMethod string
}

type Service struct {
	store      Store
	dispatcher Dispatcher
	payloads   *payload.Generator
	files      Files
	publisher  Publisher
	cfg        Config
	now        func() time.Time
}

type Option func(*Service)

func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store Store, dispatcher Dispatcher, payloads *payload.Generator, files Files, cfg Config, opts ...Option) *Service {
	s := &Service{
		store:      store,
		dispatcher: dispatcher,
		payloads:   payloads,
		files:      files,
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cfg.DefaultMethod == "" {
		s.cfg.DefaultMethod = "dwtDct"
	}
	return s
}

// CreateJob records an uploaded file with status none and derives its payload.
func (s *Service) CreateJob(ctx context.Context, owner models.Identity, original models.Original) (*models.ImageJob, error) {
	const op = "watermark.CreateJob"

	if owner.Subject == "" {
		return nil, fmt.Errorf("%s: %w", op, models.ErrUnauthenticated)
	}
	now := s.now()
	id := uuid.New()
	job := &models.ImageJob{
		ID:               id,
		Owner:            owner,
		Original:         original,
		WatermarkPayload: s.payloads.Derive(owner, id),
		Watermark: models.Watermark{
			Status:    models.StatusNone,
			Options:   map[string]any{},
			UpdatedAt: now,
		},
		CreatedAt: now,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return job, nil
}

// RequestEmbed queues the job and hands it to the worker. A dispatch failure
// is returned to the caller and the job stays queued; calling again
// re-queues it under a new dispatch id.
func (s *Service) RequestEmbed(ctx context.Context, id uuid.UUID, caller models.Identity, options map[string]any) (models.Watermark, error) {
	const op = "watermark.RequestEmbed"

	if options == nil {
		options = map[string]any{}
	}
	dispatchID := uuid.NewString()
	var srcPath, destPath string

	job, err := s.store.UpdateJob(ctx, id, func(j *models.ImageJob) (bool, error) {
		if !j.Owner.Equal(caller) {
			return false, models.ErrForbidden
		}
		if j.Original.Locator == "" {
			return false, fmt.Errorf("%w: source file locator is missing", models.ErrPreconditionFailed)
		}
		var err error
		if srcPath, err = s.files.Path(j.Original.Locator); err != nil {
			return false, fmt.Errorf("%w: %v", models.ErrPreconditionFailed, err)
		}
		dest := s.files.Locator(path.Join("watermarked", fmt.Sprintf("wm-%s-%s.png", j.ID, dispatchID[:8])))
		if destPath, err = s.files.Path(dest); err != nil {
			return false, err
		}
		j.Watermark = models.Watermark{
			Status:      models.StatusQueued,
			Options:     options,
			DispatchID:  dispatchID,
			DestLocator: dest,
		}
		return true, nil
	})
	if err != nil {
		return models.Watermark{}, fmt.Errorf("%s: %w", op, err)
	}
	s.publish(ctx, job)

	err = s.dispatcher.SendEmbed(ctx, worker.EmbedRequest{
		JobID:         job.ID.String(),
		DispatchID:    dispatchID,
		OwnerIdentity: job.Owner.Subject,
		CallbackURL:   s.cfg.CallbackURL,
		SourcePath:    srcPath,
		DestPath:      destPath,
		Payload:       job.WatermarkPayload,
		Method:        s.method(options),
	})
	if err != nil {
		log.Printf("%s: job %s left queued: %v", op, job.ID, err)
		return models.Watermark{}, fmt.Errorf("%s: %w", op, err)
	}
	return job.Watermark, nil
}

// ApplyCallback advances the job from a worker report. Duplicate and stale
// reports succeed without touching the record.
func (s *Service) ApplyCallback(ctx context.Context, report models.CallbackReport) (models.Watermark, error) {
	const op = "watermark.ApplyCallback"

	var (
		transition models.Transition
		previous   models.WatermarkStatus
		stale      bool
	)
	job, err := s.store.UpdateJob(ctx, report.JobID, func(j *models.ImageJob) (bool, error) {
		previous = j.Watermark.Status
		if report.DispatchID != "" && j.Watermark.DispatchID != "" && report.DispatchID != j.Watermark.DispatchID {
			stale = true
			return false, nil
		}

		transition = models.CheckReport(j.Watermark.Status, report.Status)
		switch transition {
		case models.TransitionReject:
			return false, fmt.Errorf("%w: worker reported %s while job is %s",
				models.ErrInvalidTransition, report.Status, j.Watermark.Status)
		case models.TransitionNoop:
			return false, nil
		}

		switch report.Status {
		case models.StatusProcessing:
			j.Watermark.Status = models.StatusProcessing
			j.Watermark.ResultLocator = ""
			j.Watermark.Error = ""
		case models.StatusDone:
			loc := s.normalizeResult(report.ResultLocator)
			if loc == "" {
				loc = j.Watermark.DestLocator
			}
			if loc == "" {
				return false, fmt.Errorf("%w: done report without result locator", models.ErrPreconditionFailed)
			}
			j.Watermark.Status = models.StatusDone
			j.Watermark.ResultLocator = loc
			j.Watermark.Error = ""
		case models.StatusFailed:
			j.Watermark.Status = models.StatusFailed
			j.Watermark.ResultLocator = ""
			j.Watermark.Error = report.Error
			if j.Watermark.Error == "" {
				j.Watermark.Error = "unknown"
			}
		}
		return true, nil
	})
	if err != nil {
		return models.Watermark{}, fmt.Errorf("%s: %w", op, err)
	}

	switch {
	case stale:
		log.Printf("%s: warning: ignoring %s report for job %s from superseded dispatch %s",
			op, report.Status, job.ID, report.DispatchID)
	case transition == models.TransitionConflict:
		log.Printf("%s: warning: job %s terminal state replaced %s -> %s",
			op, job.ID, previous, job.Watermark.Status)
		s.publish(ctx, job)
	case transition == models.TransitionApply:
		s.publish(ctx, job)
	}
	return job.Watermark, nil
}

// GetStatus returns the watermark sub-record. It never blocks on the worker.
func (s *Service) GetStatus(ctx context.Context, id uuid.UUID, caller models.Identity) (models.Watermark, error) {
	job, err := s.GetJob(ctx, id, caller)
	if err != nil {
		return models.Watermark{}, err
	}
	return job.Watermark, nil
}

func (s *Service) GetJob(ctx context.Context, id uuid.UUID, caller models.Identity) (*models.ImageJob, error) {
	const op = "watermark.GetJob"

	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !job.Owner.Equal(caller) {
		return nil, fmt.Errorf("%s: %w", op, models.ErrForbidden)
	}
	return job, nil
}

func (s *Service) ListJobs(ctx context.Context, caller models.Identity, page, limit int) ([]*models.ImageJob, int, error) {
	const op = "watermark.ListJobs"

	if caller.Subject == "" {
		return nil, 0, fmt.Errorf("%s: %w", op, models.ErrUnauthenticated)
	}
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	items, total, err := s.store.ListJobs(ctx, caller.Subject, limit, (page-1)*limit)
	if err != nil {
		return nil, 0, fmt.Errorf("%s: %w", op, err)
	}
	return items, total, nil
}

func (s *Service) method(options map[string]any) string {
	if m, ok := options["method"].(string); ok && strings.TrimSpace(m) != "" {
		return strings.TrimSpace(m)
	}
	return s.cfg.DefaultMethod
}

// normalizeResult keeps locators already under the storage prefix and maps
// bare file names or worker-side paths into the watermarked directory.
func (s *Service) normalizeResult(reported string) string {
	if reported == "" {
		return ""
	}
	if prefix := s.files.Locator(""); strings.HasPrefix(reported, prefix) {
		return reported
	}
	base := path.Base(strings.ReplaceAll(reported, "\\", "/"))
	if base == "." || base == "/" {
		return ""
	}
	return s.files.Locator(path.Join("watermarked", base))
}

func (s *Service) publish(ctx context.Context, job *models.ImageJob) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, events.FromJob(job)); err != nil {
		log.Printf("watermark.publish: job %s: %v", job.ID, err)
	}
}
