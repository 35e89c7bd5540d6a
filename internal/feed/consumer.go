package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/coride/internal/models"
	"github.com/example/coride/internal/observability"
)

// Applier receives decoded driver updates. fleet.Registry satisfies it.
type Applier interface {
	Apply(u models.DriverUpdate) (bool, error)
}

// Reader is the subset of *kafka.Reader the consumer uses.
type Reader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Consumer feeds driver-state messages from a topic into an Applier.
type Consumer struct {
	reader Reader
	apply  Applier
	logger *slog.Logger

	Attempts   int
	RetryDelay time.Duration
	MaxBackoff time.Duration
}

func NewKafkaConsumer(brokers []string, topic, group string, apply Applier, logger *slog.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
	return NewConsumer(r, apply, logger)
}

func NewConsumer(r Reader, apply Applier, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		reader:     r,
		apply:      apply,
		logger:     logger,
		Attempts:   3,
		RetryDelay: 200 * time.Millisecond,
		MaxBackoff: 30 * time.Second,
	}
}

// Run reads until ctx is done. Read errors back off exponentially; bad
// messages are counted and skipped.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()
	backoff := time.Second
	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("feed consumer stopped")
				return nil
			}
			c.logger.Warn("kafka read error", "error", err, "backoff", backoff.String())
			if !sleep(ctx, backoff) {
				return nil
			}
			backoff *= 2
			if backoff > c.MaxBackoff {
				backoff = c.MaxBackoff
			}
			continue
		}
		backoff = time.Second
		c.handle(ctx, m)
	}
}

func (c *Consumer) handle(ctx context.Context, m kafka.Message) {
	var u models.DriverUpdate
	if err := json.Unmarshal(m.Value, &u); err != nil {
		observability.FeedMessages.WithLabelValues("invalid").Inc()
		c.logger.Warn("invalid feed message", "offset", m.Offset, "error", err)
		return
	}
	applied, err := applyWithRetry(ctx, c.apply, u, c.Attempts, c.RetryDelay)
	switch {
	case models.IsInvalidRequest(err):
		observability.FeedMessages.WithLabelValues("invalid").Inc()
		c.logger.Warn("rejected driver update", "driver_id", u.ID, "error", err)
	case err != nil:
		observability.FeedMessages.WithLabelValues("error").Inc()
		c.logger.Error("driver update failed", "driver_id", u.ID, "error", err)
	case !applied:
		observability.FeedMessages.WithLabelValues("stale").Inc()
	default:
		observability.FeedMessages.WithLabelValues("applied").Inc()
	}
}

// applyWithRetry retries transient failures with doubling delay. Validation
// errors are returned immediately.
func applyWithRetry(ctx context.Context, a Applier, u models.DriverUpdate, attempts int, delay time.Duration) (bool, error) {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		var ok bool
		ok, err = a.Apply(u)
		if err == nil || models.IsInvalidRequest(err) {
			return ok, err
		}
		if i == attempts-1 || !sleep(ctx, delay) {
			break
		}
		delay *= 2
	}
	return false, err
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
