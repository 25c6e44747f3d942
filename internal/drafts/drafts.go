// Package drafts auto-saves partially completed forms so a crash or
// battery death in the field never loses typed input. Drafts are device
// local and expire after a fixed window.
package drafts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/fieldproof/fieldsync/internal/models"
	"github.com/fieldproof/fieldsync/internal/store"
)

const (
	// ttl is how long a draft survives without being resaved.
	ttl = 8 * time.Hour

	// purgeEvery is the cadence of the expiry sweep.
	purgeEvery = 15 * time.Minute
)

// Manager stores and expires form drafts.
type Manager struct {
	store  *store.Store
	logger *slog.Logger

	workspaceID string
}

// NewManager creates a draft manager for one workspace.
func NewManager(st *store.Store, workspaceID string, logger *slog.Logger) *Manager {
	return &Manager{
		store:       st,
		logger:      logger,
		workspaceID: workspaceID,
	}
}

// Save upserts the draft for a form type. Resaving resets the expiry
// window.
func (m *Manager) Save(formType string, fields json.RawMessage) error {
	d := models.FormDraft{
		FormType:    formType,
		WorkspaceID: m.workspaceID,
		Fields:      fields,
		SavedAt:     time.Now().UnixMilli(),
	}

	if err := m.store.PutDraft(d); err != nil {
		return fmt.Errorf("saving draft: %w", err)
	}

	return nil
}

// Get returns the draft for a form type, or nil if none exists or the
// draft has expired. An expired draft is deleted on read.
func (m *Manager) Get(formType string) (*models.FormDraft, error) {
	d, err := m.store.GetDraft(formType, m.workspaceID)
	if err != nil {
		return nil, fmt.Errorf("loading draft: %w", err)
	}

	if d == nil {
		return nil, nil
	}

	if time.Now().UnixMilli()-d.SavedAt > ttl.Milliseconds() {
		if err := m.store.DeleteDraft(formType, m.workspaceID); err != nil {
			m.logger.Warn("failed to delete expired draft",
				slog.String("form", formType),
				slog.String("error", err.Error()),
			)
		}

		return nil, nil
	}

	return d, nil
}

// Discard deletes the draft for a form type, typically after submit.
func (m *Manager) Discard(formType string) error {
	if err := m.store.DeleteDraft(formType, m.workspaceID); err != nil {
		return fmt.Errorf("discarding draft: %w", err)
	}

	return nil
}

// Run sweeps expired drafts until the context is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(purgeEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			cutoff := time.Now().Add(-ttl).UnixMilli()

			n, err := m.store.PurgeExpiredDrafts(cutoff)
			if err != nil {
				m.logger.Warn("draft purge failed", slog.String("error", err.Error()))
				continue
			}

			if n > 0 {
				m.logger.Info("purged expired drafts", slog.Int("count", n))
			}
		}
	}
}
