// Package queue records write intent durably before any network
// attempt, so an unexpected reload or crash never loses a local edit.
package queue

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	ferrors "github.com/fieldproof/fieldsync/internal/errors"
	"github.com/fieldproof/fieldsync/internal/models"
	"github.com/fieldproof/fieldsync/internal/store"
)

// Queue is the durable FIFO mutation queue. Enqueue returns as soon as
// the intent is persisted; the push engine is the only consumer and
// deletes actions on terminal success or escalation.
type Queue struct {
	store  *store.Store
	logger *slog.Logger
}

// New creates a mutation queue over the given store.
func New(st *store.Store, logger *slog.Logger) *Queue {
	return &Queue{store: st, logger: logger}
}

// Enqueue appends a write intent and returns the persisted action. The
// caller's optimistic local update should already be in the store; this
// call only records the intent to replay it remotely.
func (q *Queue) Enqueue(actionType models.ActionType, targetID string, payload json.RawMessage) (*models.QueueAction, error) {
	if !actionType.Valid() {
		return nil, fmt.Errorf("enqueue %q: %w", actionType, ferrors.ErrUnknownActionType)
	}

	a := &models.QueueAction{
		ID:       uuid.NewString(),
		Type:     actionType,
		TargetID: targetID,
		Payload:  payload,
		QueuedAt: time.Now().UnixMilli(),
	}

	if err := q.store.AppendAction(a); err != nil {
		return nil, fmt.Errorf("appending action: %w", err)
	}

	q.logger.Debug("action enqueued",
		slog.String("action", string(actionType)),
		slog.String("target", targetID),
		slog.Uint64("seq", a.Seq),
	)

	return a, nil
}

// EmergencyFlush persists a set of in-memory pending edits in one
// transaction. The daemon itself never holds edits in memory (every
// Enqueue is durable before it returns); this is surface for embedding
// callers such as a UI that batches unsaved edits, to be invoked on
// teardown when there is no time for individual enqueues.
func (q *Queue) EmergencyFlush(pending []*models.QueueAction) error {
	if len(pending) == 0 {
		return nil
	}

	now := time.Now().UnixMilli()

	for _, a := range pending {
		if a.ID == "" {
			a.ID = uuid.NewString()
		}

		if a.QueuedAt == 0 {
			a.QueuedAt = now
		}

		a.EmergencySave = true
	}

	if err := q.store.AppendActions(pending); err != nil {
		return fmt.Errorf("emergency flush: %w", err)
	}

	q.logger.Warn("emergency save flushed pending edits", slog.Int("count", len(pending)))

	return nil
}

// Pending returns all queued actions in enqueue order.
func (q *Queue) Pending() ([]models.QueueAction, error) {
	return q.store.ActionsFIFO()
}

// Ack removes an action after the push engine applied it remotely (or
// escalated it).
func (q *Queue) Ack(seq uint64) error {
	return q.store.DeleteAction(seq)
}

// RecordRetry increments the action's retry count in place, leaving its
// queue position and QueuedAt untouched.
func (q *Queue) RecordRetry(a *models.QueueAction) error {
	a.RetryCount++

	return q.store.UpdateAction(*a)
}

// Len returns the number of queued actions.
func (q *Queue) Len() int {
	return q.store.QueueLen()
}
