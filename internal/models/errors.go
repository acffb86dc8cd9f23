package models

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrForbidden          = errors.New("forbidden")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrWorkerUnreachable  = errors.New("watermark worker unreachable")
	ErrWorkerRejected     = errors.New("watermark worker rejected request")
	ErrUnauthenticated    = errors.New("unauthenticated")
	ErrInvalidInput       = errors.New("invalid input")
	ErrInvalidTransition  = errors.New("invalid status transition")
)

var kinds = []struct {
	err  error
	code string
}{
	{ErrNotFound, "NotFound"},
	{ErrForbidden, "Forbidden"},
	{ErrPreconditionFailed, "PreconditionFailed"},
	{ErrWorkerUnreachable, "WorkerUnreachable"},
	{ErrWorkerRejected, "WorkerRejected"},
	{ErrUnauthenticated, "Unauthenticated"},
	{ErrInvalidInput, "BadRequest"},
	{ErrInvalidTransition, "InvalidTransition"},
}

// KindOf returns the stable error code for err, or "InternalError".
func KindOf(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.code
		}
	}
	return "InternalError"
}

// ErrorForKind maps a code produced by KindOf back to its sentinel.
func ErrorForKind(code string) error {
	for _, k := range kinds {
		if k.code == code {
			return k.err
		}
	}
	return nil
}
