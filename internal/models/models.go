package models

import "encoding/json"

// SyncStatus tracks whether a locally stored record has reached the
// remote store.
type SyncStatus string

const (
	StatusSynced  SyncStatus = "synced"
	StatusPending SyncStatus = "pending"
	StatusFailed  SyncStatus = "failed"
)

// EntityType names a synchronized record family. The value doubles as
// the remote table name and the local bucket name.
type EntityType string

const (
	EntityJobs        EntityType = "jobs"
	EntityClients     EntityType = "clients"
	EntityTechnicians EntityType = "technicians"
)

// EntityTypes lists every synchronized entity type. Pull cycles iterate
// this slice; each type keeps an independent cursor.
var EntityTypes = []EntityType{EntityJobs, EntityClients, EntityTechnicians}

// Job is a field-service job record. Once SealedAt or IsSealed is set
// the record is immutable: local deletes, remote delete pushes, and the
// orphan sweep must all refuse to touch it.
type Job struct {
	ID           string     `json:"id"`
	WorkspaceID  string     `json:"workspace_id"`
	ClientID     string     `json:"client_id,omitempty"`
	TechnicianID string     `json:"technician_id,omitempty"`
	Title        string     `json:"title"`
	Notes        string     `json:"notes,omitempty"`
	Status       string     `json:"status,omitempty"`
	SyncStatus   SyncStatus `json:"sync_status"`
	SealedAt     int64      `json:"sealed_at,omitempty"`
	IsSealed     bool       `json:"is_sealed,omitempty"`
	EvidenceHash string     `json:"evidence_hash,omitempty"`
	Signature    string     `json:"signature,omitempty"`
	LastUpdated  int64      `json:"last_updated"`
}

// Sealed reports whether the job has been cryptographically finalized.
// Either field alone is sufficient; older records may carry one without
// the other.
func (j *Job) Sealed() bool {
	return j.IsSealed || j.SealedAt != 0
}

// Client is a customer record.
type Client struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspace_id"`
	Name        string `json:"name"`
	Email       string `json:"email,omitempty"`
	Phone       string `json:"phone,omitempty"`
	Address     string `json:"address,omitempty"`
	LastUpdated int64  `json:"last_updated"`
}

// Technician is a field technician record.
type Technician struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspace_id"`
	Name        string `json:"name"`
	Email       string `json:"email,omitempty"`
	Role        string `json:"role,omitempty"`
	LastUpdated int64  `json:"last_updated"`
}

// MediaItem is a photo or other binary belonging to exactly one job.
// While pending the binary lives inline in Data; after upload Data is
// cleared and RemoteURL points at durable remote storage.
type MediaItem struct {
	ID          string     `json:"id"`
	JobID       string     `json:"job_id"`
	WorkspaceID string     `json:"workspace_id"`
	Data        []byte     `json:"data,omitempty"`
	RemoteURL   string     `json:"remote_url,omitempty"`
	SyncStatus  SyncStatus `json:"sync_status"`
	Latitude    float64    `json:"latitude,omitempty"`
	Longitude   float64    `json:"longitude,omitempty"`
	CapturedAt  int64      `json:"captured_at"`
	LastUpdated int64      `json:"last_updated"`
}

// ActionType enumerates the write intents the mutation queue carries.
type ActionType string

const (
	ActionCreateJob        ActionType = "CREATE_JOB"
	ActionUpdateJob        ActionType = "UPDATE_JOB"
	ActionDeleteJob        ActionType = "DELETE_JOB"
	ActionUploadPhoto      ActionType = "UPLOAD_PHOTO"
	ActionSealJob          ActionType = "SEAL_JOB"
	ActionCreateClient     ActionType = "CREATE_CLIENT"
	ActionUpdateClient     ActionType = "UPDATE_CLIENT"
	ActionCreateTechnician ActionType = "CREATE_TECHNICIAN"
	ActionUpdateTechnician ActionType = "UPDATE_TECHNICIAN"
)

// Valid reports whether t is one of the known action types.
func (t ActionType) Valid() bool {
	switch t {
	case ActionCreateJob, ActionUpdateJob, ActionDeleteJob, ActionUploadPhoto,
		ActionSealJob, ActionCreateClient, ActionUpdateClient,
		ActionCreateTechnician, ActionUpdateTechnician:
		return true
	}

	return false
}

// QueueAction is one durable pending write intent. Seq is the FIFO key
// assigned by the queue on enqueue; actions drain in Seq order so edits
// to the same entity apply in the order they were made.
type QueueAction struct {
	Seq           uint64          `json:"seq"`
	ID            string          `json:"id"`
	Type          ActionType      `json:"action_type"`
	TargetID      string          `json:"target_id"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	QueuedAt      int64           `json:"queued_at"`
	RetryCount    int             `json:"retry_count"`
	EmergencySave bool            `json:"emergency_save,omitempty"`
}

// FailedSyncItem is an escalated QueueAction. It lives in a separate
// database file so corruption of the primary queue cannot destroy the
// escalation record.
type FailedSyncItem struct {
	Action   QueueAction `json:"action"`
	Reason   string      `json:"reason"`
	FailedAt int64       `json:"failed_at"`
}

// OrphanMedia tracks a media binary that was captured locally but never
// durably delivered to remote storage.
type OrphanMedia struct {
	ID               string `json:"id"`
	JobID            string `json:"job_id"`
	Reason           string `json:"reason"`
	OrphanedAt       int64  `json:"orphaned_at"`
	RecoveryAttempts int    `json:"recovery_attempts"`
	Abandoned        bool   `json:"abandoned,omitempty"`
}

// FormDraft holds in-progress form field values, keyed by form type and
// workspace. Drafts expire after a fixed TTL independent of sync.
type FormDraft struct {
	FormType    string          `json:"form_type"`
	WorkspaceID string          `json:"workspace_id"`
	Fields      json.RawMessage `json:"fields"`
	SavedAt     int64           `json:"saved_at"`
}
