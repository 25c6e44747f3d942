package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fieldproof/fieldsync/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// storeDirPerm is the permission mode for the state directory
	// (~/.fieldsync/).
	storeDirPerm = fs.FileMode(0o700)

	// storeFilePerm is the permission mode for the database files.
	storeFilePerm = fs.FileMode(0o600)

	// storeOpenTimeout is the maximum time to wait for the bolt
	// database lock.
	storeOpenTimeout = 5 * time.Second
)

var (
	jobsBucket        = []byte("jobs")
	clientsBucket     = []byte("clients")
	techniciansBucket = []byte("technicians")
	mediaBucket       = []byte("media")
	queueBucket       = []byte("queue")
	formDraftsBucket  = []byte("formDrafts")
	orphanMediaBucket = []byte("orphanMedia")
	cursorsBucket     = []byte("cursors")
)

// entityBucket maps an entity type to its bucket name. Entity type
// values double as bucket names, so this is a cast with a guard.
func entityBucket(et models.EntityType) []byte {
	return []byte(et)
}

// Store wraps the primary bbolt database holding entities, media,
// drafts, the mutation queue, and sync cursors. Domain invariants such
// as the sealed-job guard are enforced by callers; the store itself is
// a generic durable table set.
type Store struct {
	db *bolt.DB
}

// Open opens the primary database at <dir>/state.db, creating it and
// all buckets if they do not exist.
func Open(dir string) (*Store, error) {
	path := filepath.Join(dir, "state.db")
	if err := os.MkdirAll(filepath.Dir(path), storeDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, storeFilePerm, &bolt.Options{Timeout: storeOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			jobsBucket, clientsBucket, techniciansBucket, mediaBucket,
			queueBucket, formDraftsBucket, orphanMediaBucket, cursorsBucket,
		}
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// put upserts a JSON-encoded record by id. Writing an existing id
// overwrites it; put never fails on duplicates.
func (s *Store) put(bucket []byte, id string, record any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}

		return tx.Bucket(bucket).Put([]byte(id), data)
	})
}

// get reads a record by id into out. Returns false when the id is not
// present.
func (s *Store) get(bucket []byte, id string, out any) (bool, error) {
	found := false

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucket).Get([]byte(id))
		if v == nil {
			return nil
		}

		found = true

		return json.Unmarshal(v, out)
	})

	return found, err
}

// delete removes a record by id. Deleting a missing id is a no-op.
// Callers must pre-check the sealed guard for jobs; the store does not
// enforce it.
func (s *Store) delete(bucket []byte, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(id))
	})
}

// --- Jobs ---

// PutJob upserts a job record.
func (s *Store) PutJob(j models.Job) error {
	return s.put(jobsBucket, j.ID, j)
}

// GetJob returns a job by id, or nil if not found.
func (s *Store) GetJob(id string) (*models.Job, error) {
	var j models.Job

	ok, err := s.get(jobsBucket, id, &j)
	if err != nil || !ok {
		return nil, err
	}

	return &j, nil
}

// AllJobs returns all jobs in the given workspace.
func (s *Store) AllJobs(workspaceID string) ([]models.Job, error) {
	var jobs []models.Job

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(jobsBucket).ForEach(func(k, v []byte) error {
			var j models.Job
			if err := json.Unmarshal(v, &j); err != nil {
				return err
			}

			if j.WorkspaceID == workspaceID {
				jobs = append(jobs, j)
			}

			return nil
		})
	})

	return jobs, err
}

// DeleteJob removes a job record. The sealed guard is the caller's
// responsibility.
func (s *Store) DeleteJob(id string) error {
	return s.delete(jobsBucket, id)
}

// SetJobSyncStatus loads a job, updates its sync status, and writes it
// back inside a single transaction so the update cannot interleave with
// a concurrent queue drain.
func (s *Store) SetJobSyncStatus(id string, status models.SyncStatus) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(jobsBucket)

		v := b.Get([]byte(id))
		if v == nil {
			return nil
		}

		var j models.Job
		if err := json.Unmarshal(v, &j); err != nil {
			return err
		}

		j.SyncStatus = status

		data, err := json.Marshal(j)
		if err != nil {
			return err
		}

		return b.Put([]byte(id), data)
	})
}

// SealJob stamps the seal fields on a job inside one transaction.
func (s *Store) SealJob(id string, sealedAt int64, evidenceHash, signature string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(jobsBucket)

		v := b.Get([]byte(id))
		if v == nil {
			return nil
		}

		var j models.Job
		if err := json.Unmarshal(v, &j); err != nil {
			return err
		}

		j.SealedAt = sealedAt
		j.IsSealed = true
		j.EvidenceHash = evidenceHash
		j.Signature = signature
		j.SyncStatus = models.StatusSynced

		data, err := json.Marshal(j)
		if err != nil {
			return err
		}

		return b.Put([]byte(id), data)
	})
}

// --- Clients ---

// PutClient upserts a client record.
func (s *Store) PutClient(c models.Client) error {
	return s.put(clientsBucket, c.ID, c)
}

// GetClient returns a client by id, or nil if not found.
func (s *Store) GetClient(id string) (*models.Client, error) {
	var c models.Client

	ok, err := s.get(clientsBucket, id, &c)
	if err != nil || !ok {
		return nil, err
	}

	return &c, nil
}

// AllClients returns all clients in the given workspace.
func (s *Store) AllClients(workspaceID string) ([]models.Client, error) {
	var clients []models.Client

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(clientsBucket).ForEach(func(k, v []byte) error {
			var c models.Client
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}

			if c.WorkspaceID == workspaceID {
				clients = append(clients, c)
			}

			return nil
		})
	})

	return clients, err
}

// DeleteClient removes a client record.
func (s *Store) DeleteClient(id string) error {
	return s.delete(clientsBucket, id)
}

// --- Technicians ---

// PutTechnician upserts a technician record.
func (s *Store) PutTechnician(t models.Technician) error {
	return s.put(techniciansBucket, t.ID, t)
}

// GetTechnician returns a technician by id, or nil if not found.
func (s *Store) GetTechnician(id string) (*models.Technician, error) {
	var t models.Technician

	ok, err := s.get(techniciansBucket, id, &t)
	if err != nil || !ok {
		return nil, err
	}

	return &t, nil
}

// AllTechnicians returns all technicians in the given workspace.
func (s *Store) AllTechnicians(workspaceID string) ([]models.Technician, error) {
	var techs []models.Technician

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(techniciansBucket).ForEach(func(k, v []byte) error {
			var t models.Technician
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}

			if t.WorkspaceID == workspaceID {
				techs = append(techs, t)
			}

			return nil
		})
	})

	return techs, err
}

// DeleteTechnician removes a technician record.
func (s *Store) DeleteTechnician(id string) error {
	return s.delete(techniciansBucket, id)
}

// EntityIDs returns the ids of all records of the given type in the
// workspace. Used by the orphan sweep to compare against the remote set.
func (s *Store) EntityIDs(et models.EntityType, workspaceID string) ([]string, error) {
	var ids []string

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(entityBucket(et))
		if b == nil {
			return fmt.Errorf("unknown entity bucket %q", et)
		}

		return b.ForEach(func(k, v []byte) error {
			// All entity records share the workspace_id field; decode
			// just enough to scope the listing.
			var scope struct {
				WorkspaceID string `json:"workspace_id"`
			}
			if err := json.Unmarshal(v, &scope); err != nil {
				return err
			}

			if scope.WorkspaceID == workspaceID {
				ids = append(ids, string(k))
			}

			return nil
		})
	})

	return ids, err
}

// PutEntityBatch writes a batch of raw entity rows in one transaction.
// The cursor must only advance after this returns nil, so a failed
// batch never loses rows to a premature cursor.
func (s *Store) PutEntityBatch(et models.EntityType, rows []json.RawMessage) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(entityBucket(et))
		if b == nil {
			return fmt.Errorf("unknown entity bucket %q", et)
		}

		for _, row := range rows {
			var key struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(row, &key); err != nil {
				return fmt.Errorf("decoding row id: %w", err)
			}

			if key.ID == "" {
				return fmt.Errorf("row missing id field")
			}

			if err := b.Put([]byte(key.ID), row); err != nil {
				return err
			}
		}

		return nil
	})
}

// --- Media ---

// PutMedia upserts a media item.
func (s *Store) PutMedia(m models.MediaItem) error {
	return s.put(mediaBucket, m.ID, m)
}

// GetMedia returns a media item by id, or nil if not found.
func (s *Store) GetMedia(id string) (*models.MediaItem, error) {
	var m models.MediaItem

	ok, err := s.get(mediaBucket, id, &m)
	if err != nil || !ok {
		return nil, err
	}

	return &m, nil
}

// DeleteMedia removes a media item.
func (s *Store) DeleteMedia(id string) error {
	return s.delete(mediaBucket, id)
}

// MediaForJob returns all media items owned by the given job.
func (s *Store) MediaForJob(jobID string) ([]models.MediaItem, error) {
	var items []models.MediaItem

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(mediaBucket).ForEach(func(k, v []byte) error {
			var m models.MediaItem
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}

			if m.JobID == jobID {
				items = append(items, m)
			}

			return nil
		})
	})

	return items, err
}

// MarkMediaUploaded clears the inline binary, attaches the remote URL,
// and marks the item synced, all in one transaction.
func (s *Store) MarkMediaUploaded(id, remoteURL string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(mediaBucket)

		v := b.Get([]byte(id))
		if v == nil {
			return nil
		}

		var m models.MediaItem
		if err := json.Unmarshal(v, &m); err != nil {
			return err
		}

		m.Data = nil
		m.RemoteURL = remoteURL
		m.SyncStatus = models.StatusSynced

		data, err := json.Marshal(m)
		if err != nil {
			return err
		}

		return b.Put([]byte(id), data)
	})
}

// --- Mutation queue ---

// AppendAction appends an action to the durable queue and assigns its
// FIFO sequence number. The enqueue order is the drain order.
func (s *Store) AppendAction(a *models.QueueAction) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(queueBucket)

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}

		a.Seq = seq

		data, err := json.Marshal(a)
		if err != nil {
			return err
		}

		return b.Put(seqKey(seq), data)
	})
}

// AppendActions appends several actions in one transaction. Used by the
// emergency-save path so a tab teardown flushes everything atomically.
func (s *Store) AppendActions(actions []*models.QueueAction) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(queueBucket)

		for _, a := range actions {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}

			a.Seq = seq

			data, err := json.Marshal(a)
			if err != nil {
				return err
			}

			if err := b.Put(seqKey(seq), data); err != nil {
				return err
			}
		}

		return nil
	})
}

// ActionsFIFO returns all queued actions in enqueue order.
func (s *Store) ActionsFIFO() ([]models.QueueAction, error) {
	var actions []models.QueueAction

	err := s.db.View(func(tx *bolt.Tx) error {
		// bbolt cursors iterate keys in byte order; big-endian sequence
		// keys make that the enqueue order.
		return tx.Bucket(queueBucket).ForEach(func(k, v []byte) error {
			var a models.QueueAction
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}

			actions = append(actions, a)

			return nil
		})
	})

	return actions, err
}

// UpdateAction rewrites an action in place, preserving its queue
// position. Used to persist retry counts.
func (s *Store) UpdateAction(a models.QueueAction) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(a)
		if err != nil {
			return err
		}

		return tx.Bucket(queueBucket).Put(seqKey(a.Seq), data)
	})
}

// DeleteAction removes an action after terminal success or escalation.
func (s *Store) DeleteAction(seq uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(queueBucket).Delete(seqKey(seq))
	})
}

// QueueLen returns the number of queued actions.
func (s *Store) QueueLen() int {
	count := 0
	_ = s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(queueBucket).Stats().KeyN

		return nil
	})

	return count
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)

	return k
}

// --- Sync cursors ---

func cursorKey(et models.EntityType, workspaceID string) []byte {
	return []byte("lastSyncAt:" + string(et) + ":" + workspaceID)
}

// Cursor returns the lastSyncAt cursor for an entity type in unix
// milliseconds, or 0 when no successful pull has been recorded (which
// forces a full pull).
func (s *Store) Cursor(et models.EntityType, workspaceID string) (int64, error) {
	var cursor int64

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(cursorsBucket).Get(cursorKey(et, workspaceID))
		if v == nil {
			return nil
		}

		return json.Unmarshal(v, &cursor)
	})

	return cursor, err
}

// SetCursor persists the lastSyncAt cursor. Call only after the pulled
// batch is durably written.
func (s *Store) SetCursor(et models.EntityType, workspaceID string, cursor int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(cursor)
		if err != nil {
			return err
		}

		return tx.Bucket(cursorsBucket).Put(cursorKey(et, workspaceID), data)
	})
}

// ClearCursor removes the cursor, forcing the next pull to be full.
func (s *Store) ClearCursor(et models.EntityType, workspaceID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(cursorsBucket).Delete(cursorKey(et, workspaceID))
	})
}

// --- Orphan media ---

// PutOrphanMedia upserts an orphan media record.
func (s *Store) PutOrphanMedia(o models.OrphanMedia) error {
	return s.put(orphanMediaBucket, o.ID, o)
}

// DeleteOrphanMedia removes an orphan record after recovery.
func (s *Store) DeleteOrphanMedia(id string) error {
	return s.delete(orphanMediaBucket, id)
}

// AllOrphanMedia returns all orphan media records.
func (s *Store) AllOrphanMedia() ([]models.OrphanMedia, error) {
	var orphans []models.OrphanMedia

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(orphanMediaBucket).ForEach(func(k, v []byte) error {
			var o models.OrphanMedia
			if err := json.Unmarshal(v, &o); err != nil {
				return err
			}

			orphans = append(orphans, o)

			return nil
		})
	})

	return orphans, err
}

// IncrementOrphanAttempts bumps the recovery attempt counter in one
// read-modify-write transaction.
func (s *Store) IncrementOrphanAttempts(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(orphanMediaBucket)

		v := b.Get([]byte(id))
		if v == nil {
			return nil
		}

		var o models.OrphanMedia
		if err := json.Unmarshal(v, &o); err != nil {
			return err
		}

		o.RecoveryAttempts++

		data, err := json.Marshal(o)
		if err != nil {
			return err
		}

		return b.Put([]byte(id), data)
	})
}

// MarkOrphanAbandoned flags an orphan record whose binary is gone. The
// record stays for operator review but recovery stops attempting it.
func (s *Store) MarkOrphanAbandoned(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(orphanMediaBucket)

		v := b.Get([]byte(id))
		if v == nil {
			return nil
		}

		var o models.OrphanMedia
		if err := json.Unmarshal(v, &o); err != nil {
			return err
		}

		o.Abandoned = true

		data, err := json.Marshal(o)
		if err != nil {
			return err
		}

		return b.Put([]byte(id), data)
	})
}

// --- Form drafts ---

func draftKey(formType, workspaceID string) []byte {
	return []byte(formType + ":" + workspaceID)
}

// PutDraft persists an in-progress form draft.
func (s *Store) PutDraft(d models.FormDraft) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(d)
		if err != nil {
			return err
		}

		return tx.Bucket(formDraftsBucket).Put(draftKey(d.FormType, d.WorkspaceID), data)
	})
}

// GetDraft returns a draft, or nil if not found.
func (s *Store) GetDraft(formType, workspaceID string) (*models.FormDraft, error) {
	var d *models.FormDraft

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(formDraftsBucket).Get(draftKey(formType, workspaceID))
		if v == nil {
			return nil
		}

		d = &models.FormDraft{}

		return json.Unmarshal(v, d)
	})

	return d, err
}

// DeleteDraft removes a draft.
func (s *Store) DeleteDraft(formType, workspaceID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(formDraftsBucket).Delete(draftKey(formType, workspaceID))
	})
}

// PurgeExpiredDrafts deletes drafts whose SavedAt is older than the
// cutoff, returning how many were removed. Runs in one transaction so
// a concurrent save is never half-purged.
func (s *Store) PurgeExpiredDrafts(cutoff int64) (int, error) {
	purged := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(formDraftsBucket)

		var expired [][]byte

		err := b.ForEach(func(k, v []byte) error {
			var d models.FormDraft
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}

			if d.SavedAt < cutoff {
				expired = append(expired, append([]byte(nil), k...))
			}

			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}

			purged++
		}

		return nil
	})

	return purged, err
}
