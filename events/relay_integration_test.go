package events

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	return nil
}

func (p *recordingPublisher) count(topic string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, t := range p.topics {
		if t == topic {
			n++
		}
	}
	return n
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, []byte) error {
	return errors.New("broker unavailable")
}

func TestRelayDrainsPendingMessages(t *testing.T) {
	pool, cleanup := relayTestPool(t)
	defer cleanup()
	ctx := context.Background()

	topic := fmt.Sprintf("test.drain.%d", time.Now().UnixNano())
	enqueueForTest(t, pool, topic, 3)

	pub := &recordingPublisher{}
	relay := NewRelay(pool, pub, zerolog.Nop())

	n, err := relay.DrainOnce(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if n < 3 {
		t.Fatalf("expected at least 3 published, got %d", n)
	}
	if got := pub.count(topic); got != 3 {
		t.Fatalf("expected 3 deliveries of %s, got %d", topic, got)
	}

	var pending int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE topic = $1 AND status <> 'published'`, topic).Scan(&pending); err != nil {
		t.Fatalf("count pending: %v", err)
	}
	if pending != 0 {
		t.Fatalf("expected all messages published, %d still pending", pending)
	}
}

func TestRelayDeadLettersAfterMaxAttempts(t *testing.T) {
	pool, cleanup := relayTestPool(t)
	defer cleanup()
	ctx := context.Background()

	// Flush anything already pending so the failing publisher only ever sees
	// this test's message.
	if _, err := NewRelay(pool, &recordingPublisher{}, zerolog.Nop()).DrainOnce(ctx); err != nil {
		t.Fatalf("pre-drain: %v", err)
	}

	topic := fmt.Sprintf("test.dead.%d", time.Now().UnixNano())
	enqueueForTest(t, pool, topic, 1)

	relay := NewRelay(pool, failingPublisher{}, zerolog.Nop())
	for i := 0; i < relayMaxAttempts; i++ {
		if _, err := relay.DrainOnce(ctx); err != nil {
			t.Fatalf("drain %d: %v", i, err)
		}
	}

	var status string
	var attempts int
	if err := pool.QueryRow(ctx, `SELECT status, attempts FROM outbox WHERE topic = $1`, topic).Scan(&status, &attempts); err != nil {
		t.Fatalf("read outbox row: %v", err)
	}
	if status != relayDeadLetterStatus {
		t.Fatalf("expected dead-lettered message, got status %q after %d attempts", status, attempts)
	}

	// A dead row is never claimed again.
	if _, err := relay.DrainOnce(ctx); err != nil {
		t.Fatalf("post-dead drain: %v", err)
	}
	var after int
	if err := pool.QueryRow(ctx, `SELECT attempts FROM outbox WHERE topic = $1`, topic).Scan(&after); err != nil {
		t.Fatalf("re-read outbox row: %v", err)
	}
	if after != attempts {
		t.Fatalf("dead message was retried: attempts %d -> %d", attempts, after)
	}
}

func relayTestPool(t *testing.T) (*pgxpool.Pool, func()) {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pool.Exec(ctx, `DELETE FROM outbox WHERE topic LIKE 'test.%'`)
		pool.Close()
	}
	return pool, cleanup
}

func enqueueForTest(t *testing.T, pool *pgxpool.Pool, topic string, n int) {
	t.Helper()
	ctx := context.Background()
	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback(ctx)
	w := NewWriter()
	for i := 0; i < n; i++ {
		if err := w.Enqueue(ctx, tx, topic, map[string]any{"seq": i}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
}
