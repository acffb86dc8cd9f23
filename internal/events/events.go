// Package events carries watermark lifecycle notifications over Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"invisimark/internal/models"
)

const (
	TypeQueued    = "watermark.queued"
	TypeProgress  = "watermark.processing"
	TypeCompleted = "watermark.done"
	TypeFailed    = "watermark.failed"
)

type Event struct {
	Type          string                 `json:"type"`
	JobID         string                 `json:"jobId"`
	DispatchID    string                 `json:"dispatchId,omitempty"`
	Status        models.WatermarkStatus `json:"status"`
	ResultLocator string                 `json:"resultLocator,omitempty"`
	Error         string                 `json:"error,omitempty"`
	At            time.Time              `json:"at"`
}

// FromJob builds the event describing the job's current watermark state.
func FromJob(job *models.ImageJob) Event {
	var typ string
	switch job.Watermark.Status {
	case models.StatusQueued:
		typ = TypeQueued
	case models.StatusProcessing:
		typ = TypeProgress
	case models.StatusDone:
		typ = TypeCompleted
	default:
		typ = TypeFailed
	}
	return Event{
		Type:          typ,
		JobID:         job.ID.String(),
		DispatchID:    job.Watermark.DispatchID,
		Status:        job.Watermark.Status,
		ResultLocator: job.Watermark.ResultLocator,
		Error:         job.Watermark.Error,
		At:            job.Watermark.UpdatedAt,
	}
}

func encode(ev Event) (kafka.Message, error) {
	value, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(ev.JobID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(ev.Type)},
		},
	}, nil
}

type Publisher struct {
	writer *kafka.Writer
}

func NewPublisher(broker, topic string) *Publisher {
	return &Publisher{writer: kafka.NewWriter(kafka.WriterConfig{
		Brokers:  []string{broker},
		Topic:    topic,
		Balancer: &kafka.Hash{},
	})}
}

func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	const op = "events.Publish"

	msg, err := encode(ev)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}
