package storage

import (
	"encoding/json"
	"fmt"

	"invisimark/internal/models"
)

const jobColumns = `id, owner_subject, owner_email,
	original_locator, original_filename, original_size, original_content_type, original_hash,
	original_width, original_height, thumbnail_locator,
	watermark_payload, watermark_status, watermark_options, watermark_result_locator,
	watermark_error, watermark_dispatch_id, watermark_dest_locator, watermark_updated_at, created_at`

// jobDest lists scan targets in jobColumns order. The last two entries
// receive the timestamps and differ per backend.
func jobDest(job *models.ImageJob, status *string, options *[]byte, updatedAt, createdAt any) []any {
	return []any{
		&job.ID, &job.Owner.Subject, &job.Owner.Email,
		&job.Original.Locator, &job.Original.Filename, &job.Original.Size,
		&job.Original.ContentType, &job.Original.Hash,
		&job.Original.Width, &job.Original.Height, &job.Original.ThumbnailLocator,
		&job.WatermarkPayload, status, options, &job.Watermark.ResultLocator,
		&job.Watermark.Error, &job.Watermark.DispatchID, &job.Watermark.DestLocator,
		updatedAt, createdAt,
	}
}

func decodeWatermark(job *models.ImageJob, status string, options []byte) error {
	st, err := models.ParseStatus(status)
	if err != nil {
		return err
	}
	job.Watermark.Status = st
	job.Watermark.Options = map[string]any{}
	if len(options) > 0 {
		if err := json.Unmarshal(options, &job.Watermark.Options); err != nil {
			return fmt.Errorf("decode watermark options: %w", err)
		}
		if job.Watermark.Options == nil {
			job.Watermark.Options = map[string]any{}
		}
	}
	return nil
}

func encodeOptions(options map[string]any) (string, error) {
	if options == nil {
		return "{}", nil
	}
	b, err := json.Marshal(options)
	if err != nil {
		return "", fmt.Errorf("encode watermark options: %w", err)
	}
	return string(b), nil
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
