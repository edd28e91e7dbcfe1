package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"custodia/metrics"
)

// Publisher delivers an outbox message to the outside world. Implementations
// must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// LogPublisher is the default sink: it logs each message. Deployments wire a
// broker-backed Publisher here.
type LogPublisher struct {
	Log zerolog.Logger
}

func (p LogPublisher) Publish(_ context.Context, topic string, payload []byte) error {
	p.Log.Info().Str("topic", topic).RawJSON("payload", payload).Msg("outbox message")
	return nil
}

const (
	relayBatchSize          = 64
	relayMaxAttempts        = 5
	relayPublishRetries     = 3
	relayPublishRetryDelay  = 200 * time.Millisecond
	defaultRelayInterval    = time.Second
	relayDeadLetterStatus   = "dead"
	relayPublishedStatus    = "published"
	relayConcurrentDrainers = 2
)

// Relay drains pending outbox rows and hands them to the Publisher. Rows are
// claimed with SKIP LOCKED so multiple relay instances never double-publish.
type Relay struct {
	pool      *pgxpool.Pool
	publisher Publisher
	log       zerolog.Logger
	interval  time.Duration
}

func NewRelay(pool *pgxpool.Pool, publisher Publisher, log zerolog.Logger) *Relay {
	return &Relay{
		pool:      pool,
		publisher: publisher,
		log:       log.With().Str("component", "outbox-relay").Logger(),
		interval:  defaultRelayInterval,
	}
}

func (r *Relay) WithInterval(d time.Duration) *Relay {
	r.interval = d
	return r
}

// Run polls until the context is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < relayConcurrentDrainers; i++ {
		g.Go(func() error {
			ticker := time.NewTicker(r.interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
					if n, err := r.DrainOnce(ctx); err != nil {
						r.log.Error().Err(err).Msg("drain outbox")
					} else if n > 0 {
						r.log.Debug().Int("published", n).Msg("outbox drained")
					}
				}
			}
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

type pendingMessage struct {
	id      string
	topic   string
	payload []byte
}

// DrainOnce claims one batch of pending messages and publishes them,
// returning the number published.
func (r *Relay) DrainOnce(ctx context.Context) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("events: begin relay tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
        SELECT id, topic, payload
        FROM outbox
        WHERE status = 'pending'
        ORDER BY created_at
        LIMIT $1
        FOR UPDATE SKIP LOCKED
    `, relayBatchSize)
	if err != nil {
		return 0, fmt.Errorf("events: claim outbox batch: %w", err)
	}

	batch := make([]pendingMessage, 0, relayBatchSize)
	for rows.Next() {
		var m pendingMessage
		if err := rows.Scan(&m.id, &m.topic, &m.payload); err != nil {
			rows.Close()
			return 0, fmt.Errorf("events: scan outbox row: %w", err)
		}
		batch = append(batch, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("events: iterate outbox rows: %w", err)
	}

	published := 0
	for _, m := range batch {
		pubErr := retry.Do(
			func() error { return r.publisher.Publish(ctx, m.topic, m.payload) },
			retry.Context(ctx),
			retry.Attempts(relayPublishRetries),
			retry.Delay(relayPublishRetryDelay),
			retry.LastErrorOnly(true),
		)
		if pubErr != nil {
			metrics.RecordOutboxPublishError()
			r.log.Warn().Err(pubErr).Str("topic", m.topic).Str("id", m.id).Msg("publish failed")
			var status string
			if err := tx.QueryRow(ctx, `
                UPDATE outbox
                SET attempts = attempts + 1,
                    status = CASE WHEN attempts + 1 >= $2 THEN $3 ELSE status END
                WHERE id = $1
                RETURNING status
            `, m.id, relayMaxAttempts, relayDeadLetterStatus).Scan(&status); err != nil {
				return published, fmt.Errorf("events: mark outbox attempt: %w", err)
			}
			if status == relayDeadLetterStatus {
				metrics.RecordOutboxDead()
				r.log.Error().Str("topic", m.topic).Str("id", m.id).Msg("outbox message dead-lettered")
			}
			continue
		}
		if _, err := tx.Exec(ctx, `
            UPDATE outbox SET status = $2, attempts = attempts + 1 WHERE id = $1
        `, m.id, relayPublishedStatus); err != nil {
			return published, fmt.Errorf("events: mark outbox published: %w", err)
		}
		published++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("events: commit relay tx: %w", err)
	}
	return published, nil
}
