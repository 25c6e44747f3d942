package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fieldproof/fieldsync/internal/models"
	"github.com/fieldproof/fieldsync/internal/remote"
	"github.com/fieldproof/fieldsync/internal/store"
)

// maxRecoveryAttempts bounds orphan media retries. Past this the record
// stays for manual review but the loop stops burning bandwidth on it.
const maxRecoveryAttempts = 3

// errBinaryLost reports that an orphan's media row or binary no longer
// exists locally, so there is nothing left to deliver.
var errBinaryLost = errors.New("media binary lost")

// MediaRecovery retries delivery of orphaned media binaries outside the
// mutation queue, so a stuck photo never blocks ordinary writes.
type MediaRecovery struct {
	store  *store.Store
	remote remote.Store
	upload remote.Uploader
	logger *slog.Logger
}

// NewMediaRecovery creates the orphan media recovery loop.
func NewMediaRecovery(st *store.Store, rs remote.Store, up remote.Uploader, logger *slog.Logger) *MediaRecovery {
	return &MediaRecovery{
		store:  st,
		remote: rs,
		upload: up,
		logger: logger,
	}
}

// Recover attempts each orphaned binary once. Records past the attempt
// cap or already abandoned are skipped; records whose binary is gone
// from the local store are marked abandoned and kept for operator
// review.
func (r *MediaRecovery) Recover(ctx context.Context) error {
	orphans, err := r.store.AllOrphanMedia()
	if err != nil {
		return fmt.Errorf("listing orphan media: %w", err)
	}

	for _, o := range orphans {
		if err := ctx.Err(); err != nil {
			return err
		}

		if o.Abandoned || o.RecoveryAttempts >= maxRecoveryAttempts {
			continue
		}

		if err := r.recoverOne(ctx, o); err != nil {
			logger := r.logger.With(
				slog.String("media", o.ID),
				slog.String("job", o.JobID),
			)

			if errors.Is(err, errBinaryLost) {
				if err := r.store.MarkOrphanAbandoned(o.ID); err != nil {
					logger.Warn("failed to mark orphan abandoned", slog.String("error", err.Error()))
				}

				logger.Warn("orphan media abandoned, binary lost")

				continue
			}

			if err := r.store.IncrementOrphanAttempts(o.ID); err != nil {
				logger.Warn("failed to record recovery attempt", slog.String("error", err.Error()))
			}

			logger.Warn("orphan media recovery failed",
				slog.Int("attempts", o.RecoveryAttempts+1),
				slog.String("error", err.Error()),
			)

			continue
		}

		if err := r.store.DeleteOrphanMedia(o.ID); err != nil {
			r.logger.Warn("failed to clear recovered orphan record",
				slog.String("media", o.ID),
				slog.String("error", err.Error()),
			)

			continue
		}

		r.logger.Info("orphan media recovered",
			slog.String("media", o.ID),
			slog.String("job", o.JobID),
		)
	}

	return nil
}

func (r *MediaRecovery) recoverOne(ctx context.Context, o models.OrphanMedia) error {
	m, err := r.store.GetMedia(o.ID)
	if err != nil {
		return fmt.Errorf("loading media: %w", err)
	}

	if m == nil || (len(m.Data) == 0 && m.RemoteURL == "") {
		return errBinaryLost
	}

	if m.RemoteURL == "" {
		url, err := r.upload.UploadMedia(ctx, m.WorkspaceID, m.ID, m.Data)
		if err != nil {
			return fmt.Errorf("uploading: %w", err)
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

	if err := r.remote.Upsert(ctx, "media", []json.RawMessage{rowJSON}); err != nil {
		return err
	}

	if err := r.store.MarkMediaUploaded(m.ID, m.RemoteURL); err != nil {
		return fmt.Errorf("marking uploaded: %w", err)
	}

	return nil
}
