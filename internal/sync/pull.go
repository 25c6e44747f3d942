package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/fieldproof/fieldsync/internal/models"
	"github.com/fieldproof/fieldsync/internal/queue"
	"github.com/fieldproof/fieldsync/internal/remote"
	"github.com/fieldproof/fieldsync/internal/store"
)

// Puller refreshes the local store from the remote store. Incremental
// pulls fetch only rows updated after the per-entity cursor; full pulls
// fetch everything and additionally sweep rows deleted elsewhere.
type Puller struct {
	store  *store.Store
	queue  *queue.Queue
	remote remote.Store
	coord  *Coordinator
	logger *slog.Logger

	workspaceID   string
	fullPullEvery int

	// group collapses concurrent pulls of the same entity type into one
	// remote round trip.
	group singleflight.Group
}

// NewPuller creates a pull engine. fullPullEvery is the cadence of full
// pulls measured in sync cycles; values below 1 mean every cycle is
// full.
func NewPuller(st *store.Store, q *queue.Queue, rs remote.Store, coord *Coordinator, workspaceID string, fullPullEvery int, logger *slog.Logger) *Puller {
	return &Puller{
		store:         st,
		queue:         q,
		remote:        rs,
		coord:         coord,
		logger:        logger,
		workspaceID:   workspaceID,
		fullPullEvery: fullPullEvery,
	}
}

// PullAll refreshes every entity type. Each type pulls independently so
// one failing table does not starve the others; the errors are joined.
func (p *Puller) PullAll(ctx context.Context) error {
	full := p.coord.NextCycle(p.fullPullEvery)

	var errs []error

	for _, et := range models.EntityTypes {
		if err := p.Pull(ctx, et, full); err != nil {
			p.logger.Warn("pull failed",
				slog.String("entity", string(et)),
				slog.Bool("full", full),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("pulling %s: %w", et, err))
		}
	}

	return errors.Join(errs...)
}

// Pull refreshes one entity type. Concurrent pulls of the same kind
// for the same type and workspace share a single flight; a full pull
// never coalesces into an incremental one, or it would skip the
// orphan sweep.
func (p *Puller) Pull(ctx context.Context, et models.EntityType, full bool) error {
	key := fmt.Sprintf("%s:%s:%t", et, p.workspaceID, full)

	_, err, shared := p.group.Do(key, func() (any, error) {
		return nil, p.pull(ctx, et, full)
	})
	if shared {
		p.logger.Debug("pull deduplicated", slog.String("entity", string(et)))
	}

	return err
}

func (p *Puller) pull(ctx context.Context, et models.EntityType, full bool) error {
	var cursor int64

	if !full {
		c, err := p.store.Cursor(et, p.workspaceID)
		if err != nil {
			return fmt.Errorf("reading cursor: %w", err)
		}

		cursor = c
	}

	rows, err := p.remote.Select(ctx, string(et), remote.SelectQuery{
		WorkspaceID:  p.workspaceID,
		UpdatedAfter: cursor,
	})
	if err != nil {
		return err
	}

	keep, remoteIDs, maxUpdated, err := p.filterRows(et, rows)
	if err != nil {
		return err
	}

	if len(keep) > 0 {
		if err := p.store.PutEntityBatch(et, keep); err != nil {
			return fmt.Errorf("storing batch: %w", err)
		}
	}

	if full {
		if err := p.sweepOrphans(et, remoteIDs); err != nil {
			return err
		}
	}

	// The cursor only moves after the batch is durable; on a full pull
	// of an empty table it jumps to now so the next incremental pull is
	// cheap.
	newCursor := maxUpdated
	if full && newCursor == 0 {
		newCursor = time.Now().UnixMilli()
	}

	if newCursor > cursor {
		if err := p.store.SetCursor(et, p.workspaceID, newCursor); err != nil {
			return fmt.Errorf("advancing cursor: %w", err)
		}
	}

	p.logger.Info("pull complete",
		slog.String("entity", string(et)),
		slog.Bool("full", full),
		slog.Int("rows", len(rows)),
		slog.Int("applied", len(keep)),
	)

	return nil
}

// filterRows decodes just enough of each row to drop writes against
// locally sealed jobs and to track the high-water mark for the cursor.
// The remote ID set covers every row, skipped or not.
func (p *Puller) filterRows(et models.EntityType, rows []json.RawMessage) ([]json.RawMessage, map[string]bool, int64, error) {
	keep := make([]json.RawMessage, 0, len(rows))
	remoteIDs := make(map[string]bool, len(rows))

	var maxUpdated int64

	for _, row := range rows {
		var head struct {
			ID          string `json:"id"`
			LastUpdated int64  `json:"last_updated"`
		}
		if err := json.Unmarshal(row, &head); err != nil {
			return nil, nil, 0, fmt.Errorf("decoding row: %w", err)
		}

		if head.ID == "" {
			return nil, nil, 0, fmt.Errorf("row missing id field")
		}

		remoteIDs[head.ID] = true

		if head.LastUpdated > maxUpdated {
			maxUpdated = head.LastUpdated
		}

		if et == models.EntityJobs {
			local, err := p.store.GetJob(head.ID)
			if err != nil {
				return nil, nil, 0, fmt.Errorf("loading job %s: %w", head.ID, err)
			}

			// A sealed local record is final; no remote version may
			// overwrite it.
			if local != nil && local.Sealed() {
				continue
			}
		}

		keep = append(keep, row)
	}

	return keep, remoteIDs, maxUpdated, nil
}

// sweepOrphans deletes local rows absent from a full remote listing.
// Sealed jobs and entities with pending queued writes survive the
// sweep: the former are immutable, the latter simply have not been
// pushed yet.
func (p *Puller) sweepOrphans(et models.EntityType, remoteIDs map[string]bool) error {
	localIDs, err := p.store.EntityIDs(et, p.workspaceID)
	if err != nil {
		return fmt.Errorf("listing local rows: %w", err)
	}

	queued, err := p.queuedTargets()
	if err != nil {
		return fmt.Errorf("listing queued targets: %w", err)
	}

	for _, id := range localIDs {
		if remoteIDs[id] || queued[id] {
			continue
		}

		if et == models.EntityJobs {
			local, err := p.store.GetJob(id)
			if err != nil {
				return fmt.Errorf("loading job %s: %w", id, err)
			}

			if local != nil && local.Sealed() {
				continue
			}
		}

		if err := p.deleteLocal(et, id); err != nil {
			return err
		}

		p.logger.Info("removed local orphan",
			slog.String("entity", string(et)),
			slog.String("id", id),
		)
	}

	return nil
}

func (p *Puller) queuedTargets() (map[string]bool, error) {
	actions, err := p.queue.Pending()
	if err != nil {
		return nil, err
	}

	targets := make(map[string]bool, len(actions))
	for _, a := range actions {
		targets[a.TargetID] = true
	}

	return targets, nil
}

func (p *Puller) deleteLocal(et models.EntityType, id string) error {
	switch et {
	case models.EntityJobs:
		return p.store.DeleteJob(id)
	case models.EntityClients:
		return p.store.DeleteClient(id)
	case models.EntityTechnicians:
		return p.store.DeleteTechnician(id)
	default:
		return fmt.Errorf("unknown entity type %q", et)
	}
}
