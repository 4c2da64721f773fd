package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/trogers1052/portfolio-valuation/internal/clock"
	"github.com/trogers1052/portfolio-valuation/internal/models"
)

// messageWriter is the part of kafka.Writer the producer uses
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer handles publishing valuation events to Kafka
type Producer struct {
	writer messageWriter
	topic  string
	clock  clock.Clock
}

// NewProducer creates a new Kafka producer
func NewProducer(brokers []string, topic string) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}

	return &Producer{
		writer: writer,
		topic:  topic,
		clock:  clock.Real{},
	}
}

// PublishSnapshotRecorded publishes a snapshot recorded event keyed by portfolio
func (p *Producer) PublishSnapshotRecorded(ctx context.Context, s *models.PortfolioSnapshot) error {
	event := models.SnapshotEvent{
		EventID:     uuid.NewString(),
		EventType:   models.EventSnapshotRecorded,
		PortfolioID: s.PortfolioID,
		Snapshot:    s,
		Timestamp:   p.clock.Now().UTC(),
	}
	return p.publish(ctx, s.PortfolioID, event)
}

// PublishHistoryAppended publishes a history appended event keyed by ticker
func (p *Producer) PublishHistoryAppended(ctx context.Context, ticker models.Ticker, written int, from, to time.Time) error {
	event := models.HistoryEvent{
		EventID:   uuid.NewString(),
		EventType: models.EventHistoryAppended,
		Ticker:    ticker,
		Written:   written,
		From:      from,
		To:        to,
		Timestamp: p.clock.Now().UTC(),
	}
	return p.publish(ctx, string(ticker), event)
}

func (p *Producer) publish(ctx context.Context, key string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: data,
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write message to kafka: %w", err)
	}

	return nil
}

// Close closes the Kafka producer
func (p *Producer) Close() error {
	return p.writer.Close()
}
