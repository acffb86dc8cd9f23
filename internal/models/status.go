package models

import "fmt"

type WatermarkStatus string

const (
	StatusNone       WatermarkStatus = "none"
	StatusQueued     WatermarkStatus = "queued"
	StatusProcessing WatermarkStatus = "processing"
	StatusDone       WatermarkStatus = "done"
	StatusFailed     WatermarkStatus = "failed"
)

func ParseStatus(s string) (WatermarkStatus, error) {
	switch st := WatermarkStatus(s); st {
	case StatusNone, StatusQueued, StatusProcessing, StatusDone, StatusFailed:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown watermark status %q", ErrInvalidInput, s)
}

func (s WatermarkStatus) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// Transition classifies a status reported by the worker against the stored one.
type Transition int

const (
	// TransitionApply moves the job forward.
	TransitionApply Transition = iota
	// TransitionNoop leaves the record untouched and still succeeds.
	TransitionNoop
	// TransitionConflict replaces one terminal state with another. Last report wins.
	TransitionConflict
	// TransitionReject refuses the report.
	TransitionReject
)

func (t Transition) String() string {
	switch t {
	case TransitionApply:
		return "apply"
	case TransitionNoop:
		return "noop"
	case TransitionConflict:
		return "conflict"
	default:
		return "reject"
	}
}

// CheckReport decides what a worker report does to a job in state current.
// Workers may only report processing, done or failed; the move back into
// queued belongs to RequestEmbed alone.
func CheckReport(current, reported WatermarkStatus) Transition {
	switch reported {
	case StatusProcessing:
		if current == StatusQueued {
			return TransitionApply
		}
		return TransitionNoop
	case StatusDone, StatusFailed:
		switch {
		case current == reported:
			return TransitionNoop
		case current.Terminal():
			return TransitionConflict
		default:
			return TransitionApply
		}
	}
	return TransitionReject
}
