package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/segmentio/kafka-go"

	"invisimark/internal/auth"
	"invisimark/internal/models"
)

const tokenHeader = auth.InternalTokenHeader

// CallbackConsumer reads worker callbacks from a Kafka topic, for workers
// that report through the broker instead of HTTP.
type CallbackConsumer struct {
	reader *kafka.Reader
	token  string
	handle func(context.Context, models.CallbackReport) error
}

func NewCallbackConsumer(broker, topic, groupID, token string, handle func(context.Context, models.CallbackReport) error) *CallbackConsumer {
	return &CallbackConsumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers: []string{broker},
			Topic:   topic,
			GroupID: groupID,
		}),
		token:  token,
		handle: handle,
	}
}

// Run consumes until ctx is cancelled.
func (c *CallbackConsumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			log.Printf("events.CallbackConsumer: error reading message: %v", err)
			continue
		}
		if err := c.process(ctx, msg); err != nil {
			log.Printf("events.CallbackConsumer: offset %d: %v", msg.Offset, err)
		}
	}
}

func (c *CallbackConsumer) process(ctx context.Context, msg kafka.Message) error {
	report, err := decodeCallback(msg, c.token)
	if err != nil {
		return err
	}
	return c.handle(ctx, report)
}

func decodeCallback(msg kafka.Message, token string) (models.CallbackReport, error) {
	var presented string
	for _, h := range msg.Headers {
		if h.Key == tokenHeader {
			presented = string(h.Value)
		}
	}
	if !auth.TokenMatches(token, presented) {
		return models.CallbackReport{}, models.ErrUnauthenticated
	}

	var body models.CallbackMessage
	if err := json.Unmarshal(msg.Value, &body); err != nil {
		return models.CallbackReport{}, fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
	}
	return body.Report()
}

func (c *CallbackConsumer) Close() error {
	return c.reader.Close()
}
