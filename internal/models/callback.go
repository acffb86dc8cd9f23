package models

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// CallbackMessage is the worker's notification as it arrives on the wire.
type CallbackMessage struct {
	ImageID    string `json:"imageId"`
	DispatchID string `json:"dispatchId,omitempty"`
	Status     string `json:"status"`
	ResultPath string `json:"resultPath,omitempty"`
	Error      string `json:"error,omitempty"`
}

type CallbackReport struct {
	JobID         uuid.UUID
	DispatchID    string
	Status        WatermarkStatus
	ResultLocator string
	Error         string
}

func (m CallbackMessage) Report() (CallbackReport, error) {
	if m.ImageID == "" || m.Status == "" {
		return CallbackReport{}, fmt.Errorf("%w: imageId and status are required", ErrInvalidInput)
	}
	id, err := uuid.Parse(m.ImageID)
	if err != nil {
		return CallbackReport{}, fmt.Errorf("%w: imageId: %v", ErrInvalidInput, err)
	}
	st, err := ParseStatus(m.Status)
	if err != nil {
		return CallbackReport{}, err
	}
	return CallbackReport{
		JobID:         id,
		DispatchID:    strings.TrimSpace(m.DispatchID),
		Status:        st,
		ResultLocator: strings.TrimSpace(m.ResultPath),
		Error:         strings.TrimSpace(m.Error),
	}, nil
}
