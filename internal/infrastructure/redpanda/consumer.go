package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ConsumerConfig holds configuration for the transcript consumer
type ConsumerConfig struct {
	Brokers []string
	GroupID string
	Topics  []string
	// SessionTimeout bounds how long the group waits on a silent member
	SessionTimeout time.Duration
	FetchMaxBytes  int32
	// StartOffset is "earliest" or "latest" for a group with no commits
	StartOffset string
	// MaxAttempts is how often a failing record is handled before it is skipped
	MaxAttempts  int
	RetryBackoff time.Duration
}

// DefaultConsumerConfig returns defaults for the transcript feed. A
// transcript is only useful while its chart is open, so the group starts at
// the end of the topic.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:        []string{"localhost:9092"},
		GroupID:        "visitnote-transcripts",
		Topics:         []string{TopicTranscripts},
		SessionTimeout: 30 * time.Second,
		FetchMaxBytes:  8 << 20,
		StartOffset:    "latest",
		MaxAttempts:    3,
		RetryBackoff:   500 * time.Millisecond,
	}
}

// MessageHandler is called for each consumed message. A returned error
// makes the consumer try the record again, up to MaxAttempts.
type MessageHandler func(ctx context.Context, msg *ConsumedMessage) error

// ConsumedMessage is one record handed to a MessageHandler
type ConsumedMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Consumer reads the transcript topics in a consumer group. Offsets are
// committed only after every record of a poll has been handled or skipped,
// and rebalances wait for that commit.
type Consumer struct {
	client  *kgo.Client
	config  ConsumerConfig
	logger  *zap.Logger
	tracer  trace.Tracer
	handler MessageHandler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	handled    atomic.Int64
	skipped    atomic.Int64
	errors     atomic.Int64
	lastCommit atomic.Int64 // unix millis
}

// NewConsumer creates a consumer; call Start to begin polling
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, logger *zap.Logger) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handler == nil {
		return nil, errors.New("message handler is required")
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.FetchMaxBytes(cfg.FetchMaxBytes),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.OnPartitionsRevoked(func(ctx context.Context, client *kgo.Client, revoked map[string][]int32) {
			logger.Info("transcript partitions revoked", zap.Any("partitions", revoked))
		}),
	}
	if cfg.SessionTimeout > 0 {
		opts = append(opts, kgo.SessionTimeout(cfg.SessionTimeout))
	}
	if cfg.StartOffset == "earliest" {
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	} else {
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create consumer client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		client:  client,
		config:  cfg,
		logger:  logger,
		tracer:  otel.Tracer("redpanda-consumer"),
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start begins consuming in the background
func (c *Consumer) Start() {
	c.wg.Add(1)
	go c.consumeLoop()
}

// Stop ends the poll loop, leaves the group and closes the client
func (c *Consumer) Stop() error {
	c.cancel()
	c.wg.Wait()
	c.client.Close()
	return nil
}

func (c *Consumer) consumeLoop() {
	defer c.wg.Done()

	for {
		fetches := c.client.PollFetches(c.ctx)
		if fetches.IsClientClosed() || c.ctx.Err() != nil {
			c.client.AllowRebalance()
			return
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error("fetch error",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err))
			c.errors.Add(1)
		})

		fetches.EachRecord(c.processRecord)

		if fetches.NumRecords() > 0 && c.ctx.Err() == nil {
			if err := c.client.CommitUncommittedOffsets(c.ctx); err != nil {
				c.logger.Warn("offset commit failed", zap.Error(err))
				c.errors.Add(1)
			} else {
				c.lastCommit.Store(time.Now().UnixMilli())
			}
		}
		c.client.AllowRebalance()
	}
}

// processRecord hands one record to the handler, retrying failures. A
// record is marked for commit once handled or once its attempts run out.
func (c *Consumer) processRecord(record *kgo.Record) {
	ctx := extractTraceContext(c.ctx, record)
	ctx, span := c.tracer.Start(ctx, "transcripts.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination", record.Topic),
			attribute.Int64("messaging.partition", int64(record.Partition)),
			attribute.Int64("messaging.offset", record.Offset),
		))
	defer span.End()

	msg := toMessage(record)

	var err error
	for attempt := 1; attempt <= c.config.MaxAttempts; attempt++ {
		if err = c.handler(ctx, msg); err == nil {
			break
		}
		c.errors.Add(1)
		c.logger.Warn("transcript handler failed",
			zap.Int32("partition", record.Partition),
			zap.Int64("offset", record.Offset),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt == c.config.MaxAttempts {
			break
		}
		select {
		case <-time.After(c.config.RetryBackoff * time.Duration(attempt)):
		case <-c.ctx.Done():
			// not marked, so the next owner of the partition sees it again
			span.SetStatus(codes.Error, "stopped before handled")
			return
		}
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "skipped")
		c.skipped.Add(1)
		c.logger.Error("transcript skipped",
			zap.Int32("partition", record.Partition),
			zap.Int64("offset", record.Offset),
			zap.Error(err))
	} else {
		c.handled.Add(1)
	}
	c.client.MarkCommitRecords(record)
}

func toMessage(record *kgo.Record) *ConsumedMessage {
	msg := &ConsumedMessage{
		Topic:     record.Topic,
		Partition: record.Partition,
		Offset:    record.Offset,
		Key:       record.Key,
		Value:     record.Value,
		Headers:   make(map[string]string, len(record.Headers)),
		Timestamp: record.Timestamp,
	}
	for _, h := range record.Headers {
		msg.Headers[h.Key] = string(h.Value)
	}
	return msg
}

// ConsumerStats holds consumer statistics
type ConsumerStats struct {
	Handled    int64     `json:"handled"`
	Skipped    int64     `json:"skipped"`
	Errors     int64     `json:"errors"`
	LastCommit time.Time `json:"lastCommit,omitempty"`
}

// Stats returns current consumer statistics
func (c *Consumer) Stats() ConsumerStats {
	stats := ConsumerStats{
		Handled: c.handled.Load(),
		Skipped: c.skipped.Load(),
		Errors:  c.errors.Load(),
	}
	if ms := c.lastCommit.Load(); ms > 0 {
		stats.LastCommit = time.UnixMilli(ms)
	}
	return stats
}
