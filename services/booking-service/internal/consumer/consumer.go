// Package consumer reads late transfer confirmations and refund requests
// from Kafka.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/slotchain/slotchain/libs/kafkax"
	otelx "github.com/slotchain/slotchain/libs/otel"
	"github.com/slotchain/slotchain/services/booking-service/internal/inbox"
	"github.com/slotchain/slotchain/services/booking-service/internal/transfer"
)

const TopicTransferConfirmed = "transfer.confirmed.v1"

type Handler func(ctx context.Context, msg kafka.Message) error

// MessageReader is the part of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	reader      MessageReader
	logger      *slog.Logger
	inbox       inbox.Store
	handler     Handler
	tracer      trace.Tracer
	backoff     time.Duration
	maxAttempts int
}

type Config struct {
	Brokers string
	GroupID string
	Topic   string
	// MaxAttempts bounds handler retries of one message before it is
	// committed anyway. Unresolved confirmations are still picked up by the
	// reconciliation sweep.
	MaxAttempts int
}

func New(logger *slog.Logger, store inbox.Store, cfg Config, handler Handler) *Consumer {
	topic := cfg.Topic
	if topic == "" {
		topic = TopicTransferConfirmed
	}
	reader := kafkax.NewReader(kafkax.SplitBrokers(cfg.Brokers), cfg.GroupID, topic)
	c := NewWithReader(logger, store, reader, handler)
	if cfg.MaxAttempts > 0 {
		c.maxAttempts = cfg.MaxAttempts
	}
	return c
}

func NewWithReader(logger *slog.Logger, store inbox.Store, reader MessageReader, handler Handler) *Consumer {
	return &Consumer{
		reader:      reader,
		logger:      logger,
		inbox:       store,
		handler:     handler,
		tracer:      otelx.Tracer("booking-service/consumer"),
		backoff:     time.Second,
		maxAttempts: 5,
	}
}

func (c *Consumer) Run(ctx context.Context) {
	defer c.reader.Close()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("kafka read error", "err", err)
			if !sleep(ctx, c.backoff) {
				return
			}
			continue
		}
		if !c.processWithRetry(ctx, msg) {
			// stop without committing; the message is fetched again after restart
			return
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Error("kafka commit failed", "err", err, "offset", msg.Offset)
		}
	}
}

// processWithRetry keeps the partition on msg until it is handled or the
// attempts run out. A group reader never hands back an uncommitted message,
// and committing a later offset would skip it. It returns false only when
// ctx ends first.
func (c *Consumer) processWithRetry(ctx context.Context, msg kafka.Message) bool {
	for attempt := 1; ; attempt++ {
		if c.process(ctx, msg) {
			return true
		}
		if attempt >= c.maxAttempts {
			c.logger.Error("giving up on message after retries",
				"topic", msg.Topic, "offset", msg.Offset, "attempts", attempt)
			return true
		}
		if !sleep(ctx, c.backoff*time.Duration(attempt)) {
			return false
		}
	}
}

// process reports whether msg is done and its offset can be committed.
func (c *Consumer) process(ctx context.Context, msg kafka.Message) bool {
	ctxMsg := kafkax.ExtractTraceContext(ctx, msg)
	ctxSpan, span := c.tracer.Start(ctxMsg, "kafka.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", msg.Topic),
		),
	)
	defer span.End()

	meta := kafkax.ExtractEventMeta(msg)
	ok, err := c.inbox.Record(ctxSpan, meta.EventID, meta.EventType)
	if err != nil {
		c.logger.Error("inbox record failed", "err", err)
		span.RecordError(err)
		return false
	}
	if !ok {
		c.logger.Info("duplicate event ignored", "event_id", meta.EventID, "event_type", meta.EventType, "aggregate_id", meta.AggregateID)
		return true
	}

	if err := c.handler(ctxSpan, msg); err != nil {
		c.logger.Error("handler error", "err", err, "event_id", meta.EventID, "aggregate_id", meta.AggregateID)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ferr := c.inbox.Forget(ctxSpan, meta.EventID); ferr != nil {
			c.logger.Error("inbox forget failed", "err", ferr, "event_id", meta.EventID)
		}
		return false
	}
	return true
}

// JSONHandler decodes each message value into T and passes it to fn.
func JSONHandler[T any](fn func(context.Context, T) error) Handler {
	return func(ctx context.Context, msg kafka.Message) error {
		var v T
		if err := json.Unmarshal(msg.Value, &v); err != nil {
			// a malformed payload will never decode; drop it
			slog.Default().Warn("malformed message dropped", "topic", msg.Topic, "err", err, "offset", msg.Offset)
			return nil
		}
		if err := fn(ctx, v); err != nil {
			return fmt.Errorf("handle %s at offset %d: %w", msg.Topic, msg.Offset, err)
		}
		return nil
	}
}

// ReceiptHandler decodes transfer confirmations and passes them to fn.
func ReceiptHandler(fn func(context.Context, transfer.ReceiptEvent) error) Handler {
	return JSONHandler(fn)
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
