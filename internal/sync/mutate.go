package sync

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	ferrors "github.com/fieldproof/fieldsync/internal/errors"
	"github.com/fieldproof/fieldsync/internal/models"
	"github.com/fieldproof/fieldsync/internal/queue"
	"github.com/fieldproof/fieldsync/internal/store"
)

// Mutator is the write path for local callers: every mutation lands in
// the local store first (optimistically, status pending) and enqueues a
// queue action in the same call. The caller never waits on the network.
type Mutator struct {
	store  *store.Store
	queue  *queue.Queue
	failed *store.FailedStore
	logger *slog.Logger

	workspaceID string
}

// NewMutator creates the local write API.
func NewMutator(st *store.Store, q *queue.Queue, failed *store.FailedStore, workspaceID string, logger *slog.Logger) *Mutator {
	return &Mutator{
		store:       st,
		queue:       q,
		failed:      failed,
		logger:      logger,
		workspaceID: workspaceID,
	}
}

// CreateJob writes a new job locally and queues its creation.
func (m *Mutator) CreateJob(j models.Job) (*models.Job, error) {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}

	if j.WorkspaceID == "" {
		j.WorkspaceID = m.workspaceID
	}

	j.SyncStatus = models.StatusPending
	j.LastUpdated = time.Now().UnixMilli()

	if err := m.store.PutJob(j); err != nil {
		return nil, fmt.Errorf("storing job: %w", err)
	}

	if err := m.enqueueEntity(models.ActionCreateJob, j.ID, j); err != nil {
		return nil, err
	}

	return &j, nil
}

// UpdateJob writes an edited job locally and queues the update. Sealed
// jobs refuse the edit outright.
func (m *Mutator) UpdateJob(j models.Job) error {
	existing, err := m.store.GetJob(j.ID)
	if err != nil {
		return fmt.Errorf("loading job %s: %w", j.ID, err)
	}

	if existing == nil {
		return fmt.Errorf("job %s: %w", j.ID, ferrors.ErrJobNotFound)
	}

	if existing.Sealed() {
		return fmt.Errorf("job %s: %w", j.ID, ferrors.ErrJobSealed)
	}

	j.SyncStatus = models.StatusPending
	j.LastUpdated = time.Now().UnixMilli()

	if err := m.store.PutJob(j); err != nil {
		return fmt.Errorf("storing job: %w", err)
	}

	return m.enqueueEntity(models.ActionUpdateJob, j.ID, j)
}

// DeleteJob removes a job locally and queues the remote delete. Sealed
// jobs cannot be deleted.
func (m *Mutator) DeleteJob(id string) error {
	existing, err := m.store.GetJob(id)
	if err != nil {
		return fmt.Errorf("loading job %s: %w", id, err)
	}

	if existing != nil && existing.Sealed() {
		return fmt.Errorf("job %s: %w", id, ferrors.ErrJobSealed)
	}

	if err := m.store.DeleteJob(id); err != nil {
		return fmt.Errorf("deleting job: %w", err)
	}

	if _, err := m.queue.Enqueue(models.ActionDeleteJob, id, nil); err != nil {
		return fmt.Errorf("queueing delete: %w", err)
	}

	return nil
}

// CreateClient writes a new client locally and queues its creation.
func (m *Mutator) CreateClient(c models.Client) (*models.Client, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}

	if c.WorkspaceID == "" {
		c.WorkspaceID = m.workspaceID
	}

	c.LastUpdated = time.Now().UnixMilli()

	if err := m.store.PutClient(c); err != nil {
		return nil, fmt.Errorf("storing client: %w", err)
	}

	if err := m.enqueueEntity(models.ActionCreateClient, c.ID, c); err != nil {
		return nil, err
	}

	return &c, nil
}

// UpdateClient writes an edited client locally and queues the update.
func (m *Mutator) UpdateClient(c models.Client) error {
	c.LastUpdated = time.Now().UnixMilli()

	if err := m.store.PutClient(c); err != nil {
		return fmt.Errorf("storing client: %w", err)
	}

	return m.enqueueEntity(models.ActionUpdateClient, c.ID, c)
}

// CreateTechnician writes a new technician locally and queues its
// creation.
func (m *Mutator) CreateTechnician(t models.Technician) (*models.Technician, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	if t.WorkspaceID == "" {
		t.WorkspaceID = m.workspaceID
	}

	t.LastUpdated = time.Now().UnixMilli()

	if err := m.store.PutTechnician(t); err != nil {
		return nil, fmt.Errorf("storing technician: %w", err)
	}

	if err := m.enqueueEntity(models.ActionCreateTechnician, t.ID, t); err != nil {
		return nil, err
	}

	return &t, nil
}

// UpdateTechnician writes an edited technician locally and queues the
// update.
func (m *Mutator) UpdateTechnician(t models.Technician) error {
	t.LastUpdated = time.Now().UnixMilli()

	if err := m.store.PutTechnician(t); err != nil {
		return fmt.Errorf("storing technician: %w", err)
	}

	return m.enqueueEntity(models.ActionUpdateTechnician, t.ID, t)
}

// AddMedia stores a captured binary locally and queues its upload.
func (m *Mutator) AddMedia(item models.MediaItem) (*models.MediaItem, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}

	if item.WorkspaceID == "" {
		item.WorkspaceID = m.workspaceID
	}

	item.SyncStatus = models.StatusPending
	item.LastUpdated = time.Now().UnixMilli()

	if err := m.store.PutMedia(item); err != nil {
		return nil, fmt.Errorf("storing media: %w", err)
	}

	if _, err := m.queue.Enqueue(models.ActionUploadPhoto, item.ID, nil); err != nil {
		return nil, fmt.Errorf("queueing upload: %w", err)
	}

	return &item, nil
}

// RequestSeal queues a seal for an unsealed job. Sealing is too
// important to lose: if the queue append itself fails, the intent goes
// straight to the failed-queue store instead of being dropped.
func (m *Mutator) RequestSeal(jobID string) error {
	existing, err := m.store.GetJob(jobID)
	if err != nil {
		return fmt.Errorf("loading job %s: %w", jobID, err)
	}

	if existing == nil {
		return fmt.Errorf("job %s: %w", jobID, ferrors.ErrJobNotFound)
	}

	if existing.Sealed() {
		return fmt.Errorf("job %s: %w", jobID, ferrors.ErrJobSealed)
	}

	if _, err := m.queue.Enqueue(models.ActionSealJob, jobID, nil); err != nil {
		m.logger.Error("failed to queue seal, escalating directly",
			slog.String("job", jobID),
			slog.String("error", err.Error()),
		)

		item := models.FailedSyncItem{
			Action: models.QueueAction{
				ID:       uuid.NewString(),
				Type:     models.ActionSealJob,
				TargetID: jobID,
				QueuedAt: time.Now().UnixMilli(),
			},
			Reason:   fmt.Sprintf("enqueue failed: %v", err),
			FailedAt: time.Now().UnixMilli(),
		}
		if ferr := m.failed.Append(item); ferr != nil {
			return fmt.Errorf("queueing seal: %w (escalation also failed: %v)", err, ferr)
		}

		return nil
	}

	return nil
}

func (m *Mutator) enqueueEntity(t models.ActionType, targetID string, record any) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshalling %s payload: %w", t, err)
	}

	if _, err := m.queue.Enqueue(t, targetID, payload); err != nil {
		return fmt.Errorf("queueing %s: %w", t, err)
	}

	return nil
}
