// Package events provides the transactional timeline and outbox writers every
// state transition goes through. Timeline rows are the append-only audit
// trail; outbox rows are drained by the relay for external observers.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Topics published on the outbox.
const (
	TopicStakeDeposited   = "stake.deposited"
	TopicStakeWithdrawn   = "stake.withdrawn"
	TopicStakeSlashed     = "stake.slashed"
	TopicAccountBanned    = "stake.account_banned"
	TopicEscrowCreated    = "escrow.created"
	TopicEscrowProof      = "escrow.proof_submitted"
	TopicEscrowReleased   = "escrow.released"
	TopicEscrowRefunded   = "escrow.refunded"
	TopicEscrowCancelled  = "escrow.cancelled"
	TopicEscrowDisputed   = "escrow.disputed"
	TopicDisputeOpened    = "dispute.opened"
	TopicDisputeEvidence  = "dispute.evidence_submitted"
	TopicDisputeVoting    = "dispute.voting_started"
	TopicDisputeVoteCast  = "dispute.vote_cast"
	TopicDisputeResolved  = "dispute.resolved"
	TopicDisputeEscalated = "dispute.escalated"
)

// TimelineWriter appends an immutable business event for an entity.
type TimelineWriter interface {
	Append(ctx context.Context, tx pgx.Tx, entityID, eventType, actor string, payload map[string]any) error
}

// OutboxWriter enqueues a message for the relay inside the caller's transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Writer implements both sinks against the timeline_events and outbox tables.
type Writer struct{}

func NewWriter() *Writer {
	return &Writer{}
}

func (w *Writer) Append(ctx context.Context, tx pgx.Tx, entityID, eventType, actor string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("events: marshal timeline payload: %w", err)
	}
	var actorArg any
	if actor != "" {
		actorArg = actor
	}
	if _, err := tx.Exec(ctx, `
        INSERT INTO timeline_events (entity_id, type, actor, payload)
        VALUES ($1,$2,$3,$4::jsonb)
    `, entityID, eventType, actorArg, body); err != nil {
		return fmt.Errorf("events: insert timeline event: %w", err)
	}
	return nil
}

func (w *Writer) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("events: marshal outbox payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `
        INSERT INTO outbox (topic, payload) VALUES ($1,$2::jsonb)
    `, topic, body); err != nil {
		return fmt.Errorf("events: enqueue outbox: %w", err)
	}
	return nil
}
