package sync

import (
	"time"

	"github.com/fieldproof/fieldsync/internal/store"
)

// Status is a point-in-time summary of the engine's backlog, for
// surfacing sync health to callers.
type Status struct {
	Online         bool  `json:"online"`
	PendingActions int   `json:"pending_actions"`
	FailedActions  int   `json:"failed_actions"`
	OrphanedMedia  int   `json:"orphaned_media"`
	GeneratedAt    int64 `json:"generated_at"`
}

// CurrentStatus aggregates queue and failed-store depth. online may be
// nil when no connectivity monitor is wired in.
func CurrentStatus(st *store.Store, failed *store.FailedStore, online func() bool) Status {
	orphans, err := st.AllOrphanMedia()
	if err != nil {
		orphans = nil
	}

	s := Status{
		PendingActions: st.QueueLen(),
		FailedActions:  failed.Len(),
		OrphanedMedia:  len(orphans),
		GeneratedAt:    time.Now().UnixMilli(),
	}

	if online != nil {
		s.Online = online()
	}

	return s
}
