package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"github.com/trogers1052/portfolio-valuation/internal/logging"
	"github.com/trogers1052/portfolio-valuation/internal/models"
)

// SnapshotBuilder values a portfolio and persists the snapshot
type SnapshotBuilder interface {
	BuildSnapshot(ctx context.Context, portfolioID string, holdings []models.Holding, cash decimal.Decimal) (*models.PortfolioSnapshot, error)
}

// messageReader is the part of kafka.Reader the consumer uses
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Consumer turns VALUATION_REQUESTED events into snapshots
type Consumer struct {
	reader   messageReader
	topic    string
	builder  SnapshotBuilder
	logger   *logging.Logger
	seen     map[string]struct{}
	seenList []string
}

// how many processed event ids are remembered for de-duplication
const seenCapacity = 1024

// NewConsumer creates a new Kafka consumer for valuation requests
func NewConsumer(brokers []string, topic, groupID string, builder SnapshotBuilder, logger *logging.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		MaxWait:        1 * time.Second,
		StartOffset:    kafka.LastOffset,
		CommitInterval: time.Second,
	})

	return newConsumer(reader, topic, builder, logger)
}

func newConsumer(reader messageReader, topic string, builder SnapshotBuilder, logger *logging.Logger) *Consumer {
	return &Consumer{
		reader:  reader,
		topic:   topic,
		builder: builder,
		logger:  logging.OrSilent(logger),
		seen:    make(map[string]struct{}),
	}
}

// Start consumes messages until ctx is done
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info().Str("topic", c.topic).Msg("starting kafka consumer")

	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("kafka consumer shutting down")
			return c.reader.Close()
		default:
			msg, err := c.reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return c.reader.Close()
				}
				c.logger.Warn().Err(err).Msg("error reading message")
				continue
			}

			if err := c.processMessage(ctx, msg); err != nil {
				c.logger.Error().
					Int("partition", msg.Partition).
					Int64("offset", msg.Offset).
					Err(err).
					Msg("error processing message")
			}
		}
	}
}

// processMessage handles a single Kafka message
func (c *Consumer) processMessage(ctx context.Context, msg kafka.Message) error {
	var req models.ValuationRequest
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		return fmt.Errorf("failed to unmarshal valuation request: %w", err)
	}

	if req.EventType != models.EventValuationRequested {
		c.logger.Debug().Str("event_type", req.EventType).Msg("ignoring event")
		return nil
	}

	if req.EventID != "" {
		if _, dup := c.seen[req.EventID]; dup {
			c.logger.Info().Str("event_id", req.EventID).Msg("valuation request already processed, skipping")
			return nil
		}
	}

	snapshot, err := c.builder.BuildSnapshot(ctx, req.PortfolioID, req.Holdings, req.CashBalance)
	if err != nil {
		return fmt.Errorf("failed to build snapshot for %s: %w", req.PortfolioID, err)
	}
	c.remember(req.EventID)

	c.logger.Info().
		Str("portfolio_id", snapshot.PortfolioID).
		Str("snapshot_id", snapshot.ID.String()).
		Str("total_value", snapshot.TotalValue.String()).
		Int("stale", snapshot.StaleCount).
		Msg("valuation request processed")
	return nil
}

func (c *Consumer) remember(id string) {
	if id == "" {
		return
	}
	c.seen[id] = struct{}{}
	c.seenList = append(c.seenList, id)
	if len(c.seenList) > seenCapacity {
		delete(c.seen, c.seenList[0])
		c.seenList = c.seenList[1:]
	}
}

// Close closes the Kafka consumer
func (c *Consumer) Close() error {
	return c.reader.Close()
}
