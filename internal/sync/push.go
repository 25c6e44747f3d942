package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	ferrors "github.com/fieldproof/fieldsync/internal/errors"
	"github.com/fieldproof/fieldsync/internal/models"
	"github.com/fieldproof/fieldsync/internal/queue"
	"github.com/fieldproof/fieldsync/internal/remote"
	"github.com/fieldproof/fieldsync/internal/seal"
	"github.com/fieldproof/fieldsync/internal/store"
)

const (
	// maxRetryCount is the reliability ceiling: a transiently failing
	// action is escalated once its retry count exceeds this, so the
	// queue can never wedge behind a poison action.
	maxRetryCount = 5
)

// defaultBackoff is the transient-failure delay ladder, indexed by
// min(retryCount, 3).
var defaultBackoff = [4]time.Duration{2 * time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second}

// Pusher drains the mutation queue against the remote store. Actions
// apply in FIFO order; a transient failure stops the cycle (so a later
// edit can never overtake an earlier one for the same entity) while a
// permanent failure escalates to the failed-queue store immediately.
type Pusher struct {
	store   *store.Store
	failed  *store.FailedStore
	queue   *queue.Queue
	remote  remote.Store
	upload  remote.Uploader
	sealer  seal.Sealer
	coord   *Coordinator
	logger  *slog.Logger
	backoff [4]time.Duration

	// online reports current connectivity. Nil means always online
	// (tests and one-shot invocations).
	online func() bool
}

// NewPusher creates a push engine.
func NewPusher(st *store.Store, failed *store.FailedStore, q *queue.Queue, rs remote.Store, up remote.Uploader, sealer seal.Sealer, coord *Coordinator, online func() bool, logger *slog.Logger) *Pusher {
	return &Pusher{
		store:   st,
		failed:  failed,
		queue:   q,
		remote:  rs,
		upload:  up,
		sealer:  sealer,
		coord:   coord,
		logger:  logger,
		backoff: defaultBackoff,
		online:  online,
	}
}

// Drain applies queued actions in enqueue order until the queue is
// empty, connectivity drops, or the context is cancelled. A concurrent
// Drain observes the in-progress guard and returns without effect.
func (p *Pusher) Drain(ctx context.Context) error {
	if !p.coord.BeginPush() {
		p.logger.Debug("drain already in progress, skipping")
		return nil
	}
	defer p.coord.EndPush()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if p.online != nil && !p.online() {
			p.logger.Debug("offline, deferring queue drain")
			return nil
		}

		actions, err := p.queue.Pending()
		if err != nil {
			return fmt.Errorf("reading queue: %w", err)
		}

		if len(actions) == 0 {
			return nil
		}

		head := actions[0]

		applyErr := p.apply(ctx, &head)
		if applyErr == nil {
			if err := p.queue.Ack(head.Seq); err != nil {
				return fmt.Errorf("removing applied action: %w", err)
			}

			p.markSynced(head)
			p.logger.Info("action applied",
				slog.String("action", string(head.Type)),
				slog.String("target", head.TargetID),
			)

			continue
		}

		if IsPermanent(applyErr) {
			// Not worth a single retry; retryCount stays at its
			// current value on the escalated record.
			if err := p.escalate(head, applyErr); err != nil {
				return err
			}

			continue
		}

		if head.RetryCount >= maxRetryCount {
			if err := p.escalate(head, fmt.Errorf("retry limit exceeded: %w", applyErr)); err != nil {
				return err
			}

			continue
		}

		delay := p.backoff[min(head.RetryCount, 3)]

		if err := p.queue.RecordRetry(&head); err != nil {
			return fmt.Errorf("recording retry: %w", err)
		}

		p.logger.Warn("transient push failure, backing off",
			slog.String("action", string(head.Type)),
			slog.String("target", head.TargetID),
			slog.Int("retry_count", head.RetryCount),
			slog.Duration("delay", delay),
			slog.String("error", applyErr.Error()),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// apply maps one action to its remote operation. The switch is
// exhaustive over ActionType; an unknown type is a validation failure
// so it escalates rather than blocking the queue.
func (p *Pusher) apply(ctx context.Context, a *models.QueueAction) error {
	switch a.Type {
	case models.ActionCreateJob, models.ActionUpdateJob:
		if a.Type == models.ActionUpdateJob {
			if err := p.guardSealed(a.TargetID); err != nil {
				return err
			}
		}

		return p.remote.Upsert(ctx, string(models.EntityJobs), []json.RawMessage{a.Payload})

	case models.ActionDeleteJob:
		if err := p.guardSealed(a.TargetID); err != nil {
			return err
		}

		return p.remote.Delete(ctx, string(models.EntityJobs), remote.Filters{"id": a.TargetID})

	case models.ActionUploadPhoto:
		return p.applyUploadPhoto(ctx, a)

	case models.ActionSealJob:
		return p.applySeal(ctx, a)

	case models.ActionCreateClient, models.ActionUpdateClient:
		return p.remote.Upsert(ctx, string(models.EntityClients), []json.RawMessage{a.Payload})

	case models.ActionCreateTechnician, models.ActionUpdateTechnician:
		return p.remote.Upsert(ctx, string(models.EntityTechnicians), []json.RawMessage{a.Payload})

	default:
		return fmt.Errorf("%w: %q", ferrors.ErrUnknownActionType, a.Type)
	}
}

// guardSealed refuses mutations against a sealed job. Fails loudly via
// escalation rather than silently dropping the write.
func (p *Pusher) guardSealed(jobID string) error {
	j, err := p.store.GetJob(jobID)
	if err != nil {
		return fmt.Errorf("loading job %s: %w", jobID, err)
	}

	if j != nil && j.Sealed() {
		return fmt.Errorf("job %s: %w", jobID, ferrors.ErrJobSealed)
	}

	return nil
}

// applyUploadPhoto delivers the media binary to blob storage, then
// upserts the media row with the durable URL. Replaying a completed
// upload is a no-op beyond the idempotent row upsert.
func (p *Pusher) applyUploadPhoto(ctx context.Context, a *models.QueueAction) error {
	m, err := p.store.GetMedia(a.TargetID)
	if err != nil {
		return fmt.Errorf("loading media %s: %w", a.TargetID, err)
	}

	if m == nil {
		return fmt.Errorf("media %s: %w", a.TargetID, ferrors.ErrMediaNotFound)
	}

	if m.RemoteURL == "" {
		if len(m.Data) == 0 {
			// Binary lost before delivery (the orphan-media case).
			return fmt.Errorf("media %s has no binary data: %w", m.ID, ferrors.ErrMediaNotFound)
		}

		url, err := p.upload.UploadMedia(ctx, m.WorkspaceID, m.ID, m.Data)
		if err != nil {
			return fmt.Errorf("uploading media %s: %w", m.ID, err)
		}

		m.RemoteURL = url
	}

	row := *m
	row.Data = nil
	row.SyncStatus = models.StatusSynced

	rowJSON, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshalling media row: %w", err)
	}

	if err := p.remote.Upsert(ctx, "media", []json.RawMessage{rowJSON}); err != nil {
		return err
	}

	if err := p.store.MarkMediaUploaded(m.ID, m.RemoteURL); err != nil {
		p.logger.Warn("failed to mark media uploaded",
			slog.String("media", m.ID),
			slog.String("error", err.Error()),
		)
	}

	return nil
}

// applySeal calls the sealing collaborator and stamps the local record.
// The sealing service owns the remote row update; the engine only needs
// the result so the job becomes immutable locally too.
func (p *Pusher) applySeal(ctx context.Context, a *models.QueueAction) error {
	j, err := p.store.GetJob(a.TargetID)
	if err != nil {
		return fmt.Errorf("loading job %s: %w", a.TargetID, err)
	}

	if j != nil && j.Sealed() {
		// Seal already applied; replaying the intent changes nothing.
		return nil
	}

	res, err := p.sealer.Seal(ctx, a.TargetID)
	if err != nil {
		return fmt.Errorf("sealing job %s: %w", a.TargetID, err)
	}

	sealedAt := res.SealedAt
	if sealedAt == 0 {
		sealedAt = time.Now().UnixMilli()
	}

	if err := p.store.SealJob(a.TargetID, sealedAt, res.EvidenceHash, res.Signature); err != nil {
		return fmt.Errorf("stamping sealed job %s: %w", a.TargetID, err)
	}

	p.logger.Info("job sealed",
		slog.String("job", a.TargetID),
		slog.String("evidence_hash", res.EvidenceHash),
	)

	return nil
}

// markSynced reflects a successful push in the entity's local status.
func (p *Pusher) markSynced(a models.QueueAction) {
	switch a.Type {
	case models.ActionCreateJob, models.ActionUpdateJob, models.ActionSealJob:
		if err := p.store.SetJobSyncStatus(a.TargetID, models.StatusSynced); err != nil {
			p.logger.Warn("failed to mark job synced",
				slog.String("job", a.TargetID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// escalate moves an action out of the retry-eligible queue into the
// failed-queue store for operator visibility. An error means the
// failed-queue store itself is unavailable; the action stays queued so
// the intent is not lost, and the caller must end the cycle rather
// than spin on the same head.
func (p *Pusher) escalate(a models.QueueAction, cause error) error {
	item := models.FailedSyncItem{
		Action:   a,
		Reason:   cause.Error(),
		FailedAt: time.Now().UnixMilli(),
	}

	if err := p.failed.Append(item); err != nil {
		p.logger.Error("failed to escalate action",
			slog.String("action", string(a.Type)),
			slog.String("target", a.TargetID),
			slog.String("error", err.Error()),
		)

		return fmt.Errorf("escalating %s for %s: %w", a.Type, a.TargetID, err)
	}

	if err := p.queue.Ack(a.Seq); err != nil {
		p.logger.Warn("failed to remove escalated action from queue",
			slog.Uint64("seq", a.Seq),
			slog.String("error", err.Error()),
		)
	}

	switch a.Type {
	case models.ActionCreateJob, models.ActionUpdateJob, models.ActionDeleteJob, models.ActionSealJob:
		if err := p.store.SetJobSyncStatus(a.TargetID, models.StatusFailed); err != nil {
			p.logger.Warn("failed to mark job failed",
				slog.String("job", a.TargetID),
				slog.String("error", err.Error()),
			)
		}

	case models.ActionUploadPhoto:
		p.recordOrphanMedia(a, cause)
	}

	p.logger.Warn("action escalated to failed queue",
		slog.String("action", string(a.Type)),
		slog.String("target", a.TargetID),
		slog.Int("retry_count", a.RetryCount),
		slog.String("reason", cause.Error()),
	)

	return nil
}

// recordOrphanMedia tracks an undelivered binary so the recovery loop
// can retry it independently of the mutation queue.
func (p *Pusher) recordOrphanMedia(a models.QueueAction, cause error) {
	m, err := p.store.GetMedia(a.TargetID)
	if err != nil {
		p.logger.Warn("failed to load media for orphan record",
			slog.String("media", a.TargetID),
			slog.String("error", err.Error()),
		)

		return
	}

	jobID := ""
	if m != nil {
		jobID = m.JobID
	}

	o := models.OrphanMedia{
		ID:         a.TargetID,
		JobID:      jobID,
		Reason:     cause.Error(),
		OrphanedAt: time.Now().UnixMilli(),
	}
	if err := p.store.PutOrphanMedia(o); err != nil {
		p.logger.Warn("failed to record orphan media",
			slog.String("media", a.TargetID),
			slog.String("error", err.Error()),
		)
	}
}

// RetryFailed re-applies escalated items once, on operator request.
// Items that succeed leave the failed queue; the rest stay for manual
// review. A concurrent sweep observes the guard and returns.
func (p *Pusher) RetryFailed(ctx context.Context) error {
	if !p.coord.BeginRetry() {
		p.logger.Debug("failed-queue retry already in progress, skipping")
		return nil
	}
	defer p.coord.EndRetry()

	items, err := p.failed.All()
	if err != nil {
		return fmt.Errorf("reading failed queue: %w", err)
	}

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return err
		}

		a := item.Action
		if err := p.apply(ctx, &a); err != nil {
			p.logger.Warn("failed-queue retry unsuccessful",
				slog.String("action", string(a.Type)),
				slog.String("target", a.TargetID),
				slog.String("error", err.Error()),
			)

			continue
		}

		if err := p.failed.Remove(a.ID); err != nil {
			p.logger.Warn("failed to remove recovered item",
				slog.String("id", a.ID),
				slog.String("error", err.Error()),
			)

			continue
		}

		p.markSynced(a)
		p.logger.Info("failed action recovered",
			slog.String("action", string(a.Type)),
			slog.String("target", a.TargetID),
		)
	}

	return nil
}
