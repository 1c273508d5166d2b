// Package publish sends engine events to Kafka.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/horsepicks/race-engine/internal/events"
)

// Publisher is what settlement needs from the event bus.
type Publisher interface {
	PublishRaceSettled(ctx context.Context, e events.RaceSettled) error
}

// messageWriter is satisfied by *kafka.Writer.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewWriter builds a writer for a comma separated broker list.
func NewWriter(brokers, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(strings.Split(brokers, ",")...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireOne,
	}
}

// KafkaPublisher publishes events as JSON. Messages are keyed by player id
// so one player's races stay ordered within a partition.
type KafkaPublisher struct {
	w messageWriter
}

func NewKafkaPublisher(w messageWriter) *KafkaPublisher {
	return &KafkaPublisher{w: w}
}

func (p *KafkaPublisher) PublishRaceSettled(ctx context.Context, e events.RaceSettled) error {
	if e.SettledAt.IsZero() {
		e.SettledAt = time.Now().UTC()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal race_settled: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(e.PlayerID),
		Value: b,
		Time:  e.SettledAt,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte(events.TopicRaceSettled)},
			{Key: "race_id", Value: []byte(e.RaceID)},
		},
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish race_settled %s: %w", e.RaceID, err)
	}
	return nil
}

// Nop discards events. Used when no brokers are configured.
type Nop struct{}

func (Nop) PublishRaceSettled(context.Context, events.RaceSettled) error { return nil }
