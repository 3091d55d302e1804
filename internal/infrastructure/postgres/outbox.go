package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/visitnote/internal/domain/note"
)

// OutboxConfig holds configuration for the relay
type OutboxConfig struct {
	// BatchSize is the number of entries to relay per poll
	BatchSize int
	// PollInterval is how often to poll for pending entries
	PollInterval time.Duration
	// MaxRetries is the number of failed publishes after which an entry is parked
	MaxRetries int
	// Retention is how long relayed entries are kept
	Retention time.Duration
}

// DefaultOutboxConfig returns sensible defaults
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		BatchSize:    50,
		PollInterval: 500 * time.Millisecond,
		MaxRetries:   10,
		Retention:    72 * time.Hour,
	}
}

// EventPublisher delivers relayed events downstream
type EventPublisher interface {
	PublishEvents(ctx context.Context, events []*note.Event) error
}

// relayLockID serializes relays across replicas
const relayLockID int64 = 0x6e6f7465

// Outbox stores note events next to the write that produced them and relays
// them to the publisher in order
type Outbox struct {
	pool      *pgxpool.Pool
	config    OutboxConfig
	publisher EventPublisher
	logger    *zap.Logger
	tracer    trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewOutbox creates a new outbox
func NewOutbox(pool *pgxpool.Pool, publisher EventPublisher, cfg OutboxConfig, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Outbox{
		pool:      pool,
		config:    cfg,
		publisher: publisher,
		logger:    logger,
		tracer:    otel.Tracer("outbox"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// PublishEvents enqueues events in one transaction. Re-enqueueing an event
// id is a no-op.
func (o *Outbox) PublishEvents(ctx context.Context, events []*note.Event) error {
	if len(events) == 0 {
		return nil
	}
	ctx, span := o.tracer.Start(ctx, "outbox_enqueue", trace.WithAttributes(attribute.Int("count", len(events))))
	defer span.End()

	batch := &pgx.Batch{}
	for _, e := range events {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal event %s: %w", e.ID, err)
		}
		batch.Queue(`
			INSERT INTO note_event_outbox (event_id, review_id, event_type, payload)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (event_id) DO NOTHING
		`, e.ID, e.ReviewID, string(e.EventType), payload)
	}

	err := pgx.BeginFunc(ctx, o.pool, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("enqueue events: %w", err)
	}
	return nil
}

// Start begins relaying pending entries
func (o *Outbox) Start() {
	go o.relayLoop()
	o.logger.Info("outbox relay started",
		zap.Int("batch_size", o.config.BatchSize),
		zap.Duration("poll_interval", o.config.PollInterval))
}

// Stop gracefully stops the relay
func (o *Outbox) Stop() {
	o.cancel()
	<-o.done
	o.logger.Info("outbox relay stopped")
}

func (o *Outbox) relayLoop() {
	defer close(o.done)

	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()

	cleanup := time.NewTicker(time.Hour)
	defer cleanup.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			if err := o.relayBatch(o.ctx); err != nil {
				o.logger.Error("outbox relay failed", zap.Error(err))
			}
		case <-cleanup.C:
			if n, err := o.CleanupProcessed(o.ctx, o.config.Retention); err != nil {
				o.logger.Warn("outbox cleanup failed", zap.Error(err))
			} else if n > 0 {
				o.logger.Info("outbox cleaned", zap.Int64("removed", n))
			}
		}
	}
}

type pendingEntry struct {
	id    int64
	event *note.Event
}

type storedEntry struct {
	id      int64
	payload []byte
}

// undecodableEntry is a row whose payload can never be published
type undecodableEntry struct {
	id  int64
	err error
}

// relayBatch publishes one batch inside a transaction holding an advisory
// lock, so only one replica relays and entries go out in insertion order
func (o *Outbox) relayBatch(ctx context.Context) error {
	ctx, span := o.tracer.Start(ctx, "outbox_relay_batch")
	defer span.End()

	return pgx.BeginFunc(ctx, o.pool, func(tx pgx.Tx) error {
		var acquired bool
		if err := tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock($1)`, relayLockID).Scan(&acquired); err != nil {
			return fmt.Errorf("advisory lock: %w", err)
		}
		if !acquired {
			return nil
		}

		stored, err := o.fetchPending(ctx, tx)
		if err != nil {
			return err
		}
		entries, bad := decodeBatch(stored)
		if err := o.park(ctx, tx, bad); err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		span.SetAttributes(attribute.Int("batch_size", len(entries)))

		events := make([]*note.Event, len(entries))
		ids := make([]int64, len(entries))
		for i, e := range entries {
			events[i] = e.event
			ids[i] = e.id
		}

		if err := o.publisher.PublishEvents(ctx, events); err != nil {
			span.RecordError(err)
			_, uerr := tx.Exec(ctx, `
				UPDATE note_event_outbox
				SET retry_count = retry_count + 1, last_error = $1, updated_at = NOW()
				WHERE id = ANY($2)
			`, err.Error(), ids)
			if uerr != nil {
				return fmt.Errorf("record publish failure: %w", uerr)
			}
			o.logger.Warn("outbox publish failed", zap.Int("count", len(ids)), zap.Error(err))
			return nil
		}

		if _, err := tx.Exec(ctx, `
			UPDATE note_event_outbox SET processed_at = NOW(), updated_at = NOW()
			WHERE id = ANY($1)
		`, ids); err != nil {
			return fmt.Errorf("mark processed: %w", err)
		}
		o.logger.Debug("outbox entries relayed", zap.Int("count", len(ids)))
		return nil
	})
}

func (o *Outbox) fetchPending(ctx context.Context, tx pgx.Tx) ([]storedEntry, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, payload
		FROM note_event_outbox
		WHERE processed_at IS NULL
		  AND retry_count < $1
		ORDER BY id ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, o.config.MaxRetries, o.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	defer rows.Close()

	var stored []storedEntry
	for rows.Next() {
		var e storedEntry
		if err := rows.Scan(&e.id, &e.payload); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		stored = append(stored, e)
	}
	return stored, rows.Err()
}

// decodeBatch splits fetched rows into publishable entries and rows whose
// payload does not decode, keeping insertion order
func decodeBatch(stored []storedEntry) ([]pendingEntry, []undecodableEntry) {
	var (
		entries []pendingEntry
		bad     []undecodableEntry
	)
	for _, s := range stored {
		event, err := decodeEntry(s.payload)
		if err != nil {
			bad = append(bad, undecodableEntry{id: s.id, err: err})
			continue
		}
		entries = append(entries, pendingEntry{id: s.id, event: event})
	}
	return entries, bad
}

// park takes undecodable rows out of the relay by exhausting their retries,
// so Stats reports them and they are not fetched again
func (o *Outbox) park(ctx context.Context, tx pgx.Tx, bad []undecodableEntry) error {
	for _, b := range bad {
		o.logger.Error("undecodable outbox entry parked", zap.Int64("id", b.id), zap.Error(b.err))
		if _, err := tx.Exec(ctx, `
			UPDATE note_event_outbox
			SET retry_count = $1, last_error = $2, updated_at = NOW()
			WHERE id = $3
		`, o.config.MaxRetries, "undecodable payload: "+b.err.Error(), b.id); err != nil {
			return fmt.Errorf("park entry %d: %w", b.id, err)
		}
	}
	return nil
}

func decodeEntry(payload []byte) (*note.Event, error) {
	var e note.Event
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, err
	}
	if e.ID == "" || e.EventType == "" {
		return nil, fmt.Errorf("outbox entry missing id or type")
	}
	return &e, nil
}

// CleanupProcessed removes relayed entries older than the retention window
func (o *Outbox) CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	result, err := o.pool.Exec(ctx, `
		DELETE FROM note_event_outbox
		WHERE processed_at IS NOT NULL
		  AND processed_at < $1
	`, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("cleanup failed: %w", err)
	}
	return result.RowsAffected(), nil
}

// OutboxStats holds outbox statistics
type OutboxStats struct {
	Pending int64 `json:"pending"`
	Parked  int64 `json:"parked"`
}

// Stats returns pending and parked entry counts
func (o *Outbox) Stats(ctx context.Context) (*OutboxStats, error) {
	stats := &OutboxStats{}
	err := o.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE retry_count < $1),
			COUNT(*) FILTER (WHERE retry_count >= $1)
		FROM note_event_outbox
		WHERE processed_at IS NULL
	`, o.config.MaxRetries).Scan(&stats.Pending, &stats.Parked)
	if err != nil {
		return nil, err
	}
	return stats, nil
}
