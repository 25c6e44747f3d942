package sync

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ferrors "github.com/fieldproof/fieldsync/internal/errors"
	"github.com/fieldproof/fieldsync/internal/models"
	"github.com/fieldproof/fieldsync/internal/queue"
	"github.com/fieldproof/fieldsync/internal/store"
)

func newMutatorFixture(t *testing.T) (*Mutator, *store.Store, *queue.Queue, *store.FailedStore) {
	t.Helper()

	dir := t.TempDir()

	st, err := store.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	failed, err := store.OpenFailed(dir)
	require.NoError(t, err)
	t.Cleanup(func() { failed.Close() })

	q := queue.New(st, testLogger)

	return NewMutator(st, q, failed, "ws", testLogger), st, q, failed
}

// --- Optimistic writes ---

func TestCreateJob_WritesLocallyAndQueues(t *testing.T) {
	m, st, q, _ := newMutatorFixture(t)

	created, err := m.CreateJob(models.Job{Title: "Fix boiler"})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID, "an ID is assigned on create")
	assert.Equal(t, "ws", created.WorkspaceID)
	assert.Equal(t, models.StatusPending, created.SyncStatus)

	got, err := st.GetJob(created.ID)
	require.NoError(t, err)
	require.NotNil(t, got, "job is readable before any network activity")

	actions, err := q.Pending()
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, models.ActionCreateJob, actions[0].Type)
	assert.Equal(t, created.ID, actions[0].TargetID)

	var payload models.Job
	require.NoError(t, json.Unmarshal(actions[0].Payload, &payload))
	assert.Equal(t, "Fix boiler", payload.Title, "payload snapshots the record at enqueue time")
}

func TestUpdateJob_QueuesAfterCreate(t *testing.T) {
	m, st, q, _ := newMutatorFixture(t)

	created, err := m.CreateJob(models.Job{Title: "Fix boiler"})
	require.NoError(t, err)

	created.Title = "Fix boiler and radiator"
	require.NoError(t, m.UpdateJob(*created))

	got, err := st.GetJob(created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Fix boiler and radiator", got.Title)

	actions, err := q.Pending()
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, models.ActionCreateJob, actions[0].Type, "create stays ahead of the update")
	assert.Equal(t, models.ActionUpdateJob, actions[1].Type)
}

func TestUpdateJob_MissingJob(t *testing.T) {
	m, _, _, _ := newMutatorFixture(t)

	err := m.UpdateJob(models.Job{ID: "ghost"})
	require.ErrorIs(t, err, ferrors.ErrJobNotFound)
}

// --- Sealed protection ---

func TestUpdateJob_SealedIsRejected(t *testing.T) {
	m, st, q, _ := newMutatorFixture(t)

	require.NoError(t, st.PutJob(models.Job{
		ID: "job-a", WorkspaceID: "ws", SealedAt: time.Now().UnixMilli(), IsSealed: true,
	}))

	err := m.UpdateJob(models.Job{ID: "job-a", Title: "tamper"})
	require.ErrorIs(t, err, ferrors.ErrJobSealed)

	assert.Equal(t, 0, q.Len(), "rejected mutation must not reach the queue")
}

func TestDeleteJob_SealedIsRejected(t *testing.T) {
	m, st, _, _ := newMutatorFixture(t)

	require.NoError(t, st.PutJob(models.Job{
		ID: "job-a", WorkspaceID: "ws", IsSealed: true,
	}))

	err := m.DeleteJob("job-a")
	require.ErrorIs(t, err, ferrors.ErrJobSealed)

	got, err := st.GetJob("job-a")
	require.NoError(t, err)
	assert.NotNil(t, got, "sealed job survives the delete attempt")
}

func TestDeleteJob_QueuesRemoteDelete(t *testing.T) {
	m, st, q, _ := newMutatorFixture(t)

	require.NoError(t, st.PutJob(models.Job{ID: "job-a", WorkspaceID: "ws"}))

	require.NoError(t, m.DeleteJob("job-a"))

	got, err := st.GetJob("job-a")
	require.NoError(t, err)
	assert.Nil(t, got)

	actions, err := q.Pending()
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, models.ActionDeleteJob, actions[0].Type)
}

// --- Media ---

func TestAddMedia_StoresPendingWithBinary(t *testing.T) {
	m, st, q, _ := newMutatorFixture(t)

	item, err := m.AddMedia(models.MediaItem{JobID: "job-a", Data: []byte("jpeg")})
	require.NoError(t, err)
	require.NotEmpty(t, item.ID)

	got, err := st.GetMedia(item.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []byte("jpeg"), got.Data, "binary is held locally until upload")
	assert.Equal(t, models.StatusPending, got.SyncStatus)
	assert.NotZero(t, got.LastUpdated)

	actions, err := q.Pending()
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, models.ActionUploadPhoto, actions[0].Type)
}

// --- Sealing ---

func TestRequestSeal_Queues(t *testing.T) {
	m, st, q, _ := newMutatorFixture(t)

	require.NoError(t, st.PutJob(models.Job{ID: "job-a", WorkspaceID: "ws"}))

	require.NoError(t, m.RequestSeal("job-a"))

	actions, err := q.Pending()
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, models.ActionSealJob, actions[0].Type)
}

func TestRequestSeal_AlreadySealed(t *testing.T) {
	m, st, _, _ := newMutatorFixture(t)

	require.NoError(t, st.PutJob(models.Job{ID: "job-a", WorkspaceID: "ws", SealedAt: 42}))

	err := m.RequestSeal("job-a")
	require.ErrorIs(t, err, ferrors.ErrJobSealed)
}

func TestRequestSeal_MissingJob(t *testing.T) {
	m, _, _, _ := newMutatorFixture(t)

	err := m.RequestSeal("ghost")
	require.ErrorIs(t, err, ferrors.ErrJobNotFound)
}

// --- Clients and technicians ---

func TestCreateClient_AssignsWorkspace(t *testing.T) {
	m, st, q, _ := newMutatorFixture(t)

	created, err := m.CreateClient(models.Client{Name: "Acme Heating"})
	require.NoError(t, err)
	assert.Equal(t, "ws", created.WorkspaceID)

	got, err := st.GetClient(created.ID)
	require.NoError(t, err)
	assert.NotNil(t, got)

	actions, err := q.Pending()
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, models.ActionCreateClient, actions[0].Type)
}

func TestCreateTechnician_AssignsWorkspace(t *testing.T) {
	m, _, q, _ := newMutatorFixture(t)

	created, err := m.CreateTechnician(models.Technician{Name: "Sam"})
	require.NoError(t, err)
	assert.Equal(t, "ws", created.WorkspaceID)

	actions, err := q.Pending()
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, models.ActionCreateTechnician, actions[0].Type)
}
