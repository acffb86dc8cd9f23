// Package poll waits for a watermark job to reach a terminal state by
// re-reading its status on a fixed interval.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"

	"invisimark/internal/models"
)

var (
	ErrJobFailed       = errors.New("watermark job failed")
	ErrStillProcessing = errors.New("watermark job still processing")
)

type Policy struct {
	Interval    time.Duration
	MaxAttempts int
}

var DefaultPolicy = Policy{Interval: time.Second, MaxAttempts: 10}

type FetchFunc func(ctx context.Context) (models.Watermark, error)

// Until calls fetch until the status is terminal or the attempts run out.
// On exhaustion it returns the last observed record with ErrStillProcessing.
func Until(ctx context.Context, policy Policy, fetch FetchFunc) (models.Watermark, error) {
	if policy.Interval <= 0 {
		policy.Interval = DefaultPolicy.Interval
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultPolicy.MaxAttempts
	}

	var last models.Watermark
	backoff := retry.WithMaxRetries(uint64(policy.MaxAttempts-1), retry.NewConstant(policy.Interval))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		wm, err := fetch(ctx)
		if err != nil {
			return err
		}
		last = wm
		switch wm.Status {
		case models.StatusDone:
			return nil
		case models.StatusFailed:
			msg := wm.Error
			if msg == "" {
				msg = "unknown"
			}
			return fmt.Errorf("%w: %s", ErrJobFailed, msg)
		default:
			return retry.RetryableError(ErrStillProcessing)
		}
	})
	if err != nil {
		return last, err
	}
	return last, nil
}
