// internal/models/models.go
package models

import (
	"time"

	"github.com/google/uuid"
)

// Identity is the verified caller produced by the account service.
type Identity struct {
	Subject string `json:"id"`
	Email   string `json:"email"`
}

// Equal compares identities by subject. An empty subject matches nothing.
func (i Identity) Equal(other Identity) bool {
	return i.Subject != "" && i.Subject == other.Subject
}

// Original holds the immutable facts about an uploaded file.
type Original struct {
	Locator          string `json:"url"`
	Filename         string `json:"filename"`
	Size             int64  `json:"size"`
	ContentType      string `json:"mimetype"`
	Hash             string `json:"hash"`
	Width            int    `json:"width"`
	Height           int    `json:"height"`
	ThumbnailLocator string `json:"thumbnailUrl,omitempty"`
}

// Watermark is the mutable sub-record of an ImageJob.
type Watermark struct {
	Status        WatermarkStatus `json:"status"`
	Options       map[string]any  `json:"options"`
	ResultLocator string          `json:"resultLocator"`
	Error         string          `json:"error"`
	DispatchID    string          `json:"dispatchId,omitempty"`
	DestLocator   string          `json:"-"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

type ImageJob struct {
	ID               uuid.UUID `json:"id"`
	Owner            Identity  `json:"owner"`
	Original         Original  `json:"original"`
	WatermarkPayload string    `json:"-"`
	Watermark        Watermark `json:"watermark"`
	CreatedAt        time.Time `json:"createdAt"`
}

// JobSummary is what verification reveals about a matched job.
type JobSummary struct {
	ID        uuid.UUID `json:"id"`
	Owner     Identity  `json:"ownerIdentity"`
	CreatedAt time.Time `json:"createdAt"`
}

func (j *ImageJob) Summary() JobSummary {
	return JobSummary{ID: j.ID, Owner: j.Owner, CreatedAt: j.CreatedAt}
}
