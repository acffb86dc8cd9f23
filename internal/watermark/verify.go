package watermark

import (
	"context"
	"fmt"
	"log"
	"strings"

	"invisimark/internal/models"
	"invisimark/internal/payload"
	"invisimark/internal/worker"
)

const (
	ReasonExtractionFailed = "extraction failed"
	ReasonNoMatch          = "no matching watermark"
)

type VerifyResult struct {
	Matched bool               `json:"matched"`
	Payload string             `json:"payload,omitempty"`
	Reason  string             `json:"reason,omitempty"`
	Job     *models.JobSummary `json:"job,omitempty"`
}

// Verify asks the worker to extract a payload from src and matches it
// against every job, regardless of who is asking.
func (s *Service) Verify(ctx context.Context, src []byte, method string) (VerifyResult, error) {
	const op = "watermark.Verify"

	if len(src) == 0 {
		return VerifyResult{}, fmt.Errorf("%s: %w: empty image", op, models.ErrInvalidInput)
	}
	if method == "" {
		method = s.cfg.DefaultMethod
	}
	extracted, err := s.dispatcher.SendExtract(ctx, worker.ExtractRequest{
		SourceBytes:    src,
		Method:         method,
		ExpectedLength: payload.Length,
	})
	if err != nil {
		return VerifyResult{}, fmt.Errorf("%s: %w", op, err)
	}
	return s.Match(ctx, extracted)
}

// Match resolves an extracted payload to the job that issued it by exact lookup.
func (s *Service) Match(ctx context.Context, extracted string) (VerifyResult, error) {
	const op = "watermark.Match"

	extracted = strings.TrimSpace(extracted)
	if extracted == "" {
		return VerifyResult{Matched: false, Reason: ReasonExtractionFailed}, nil
	}

	hits, err := s.store.FindByPayload(ctx, extracted)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("%s: %w", op, err)
	}
	if len(hits) == 0 {
		return VerifyResult{Matched: false, Payload: extracted, Reason: ReasonNoMatch}, nil
	}
	if len(hits) > 1 {
		log.Printf("%s: warning: payload %s shared by %d jobs", op, extracted, len(hits))
	}
	summary := hits[0].Summary()
	return VerifyResult{Matched: true, Payload: extracted, Job: &summary}, nil
}
