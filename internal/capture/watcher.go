// Package capture ingests photos dropped into the capture directory by
// the device camera integration. Each image may carry a YAML sidecar
// with the job assignment and GPS fix; the watcher turns the pair into
// a pending media item and hands it to the sync engine.
package capture

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"github.com/fieldproof/fieldsync/internal/models"
)

const (
	// captureDirPerm is the permission mode for the capture directory
	// when ensuring it exists before starting the watcher.
	captureDirPerm = fs.FileMode(0o755)

	// debounceInterval is how often the watcher checks for pending
	// filesystem events, batching partial writes into one ingest per
	// file.
	debounceInterval = 500 * time.Millisecond

	// settleAge is how long a file must go untouched before ingest, so
	// a camera mid-write is never picked up half-finished.
	settleAge = 300 * time.Millisecond
)

// imageExtensions are the file types the watcher ingests. Everything
// else in the capture directory is ignored.
var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".heic": true,
	".webp": true,
}

// sidecar is the optional YAML metadata written next to a capture.
type sidecar struct {
	JobID      string  `yaml:"job_id"`
	Latitude   float64 `yaml:"latitude"`
	Longitude  float64 `yaml:"longitude"`
	CapturedAt int64   `yaml:"captured_at"`
}

// mediaIntake is the subset of the sync engine's write API the watcher
// needs. Extracted for testability.
type mediaIntake interface {
	AddMedia(item models.MediaItem) (*models.MediaItem, error)
}

// Watcher monitors the capture directory and ingests finished images.
type Watcher struct {
	dir    string
	intake mediaIntake
	logger *slog.Logger
}

// NewWatcher creates a capture watcher over dir.
func NewWatcher(dir string, intake mediaIntake, logger *slog.Logger) *Watcher {
	return &Watcher{
		dir:    dir,
		intake: intake,
		logger: logger,
	}
}

// Watch ingests images until the context is cancelled. Files already
// present at startup are ingested first, so captures taken while the
// daemon was down are not lost.
func (w *Watcher) Watch(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, captureDirPerm); err != nil {
		return fmt.Errorf("creating capture dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watching capture dir: %w", err)
	}

	w.logger.Info("capture watcher started", slog.String("dir", w.dir))

	w.ingestExisting()

	// Debounce: batch partial writes into a single ingest per file.
	pending := make(map[string]time.Time)

	ticker := time.NewTicker(debounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if !isImage(event.Name) {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				pending[event.Name] = time.Now()
			}

			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				delete(pending, event.Name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			w.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			now := time.Now()
			for path, t := range pending {
				if now.Sub(t) < settleAge {
					continue
				}

				delete(pending, path)
				w.ingest(path)
			}
		}
	}
}

func (w *Watcher) ingestExisting() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Warn("listing capture dir", slog.String("error", err.Error()))
		return
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}

		path := filepath.Join(w.dir, e.Name())
		if isImage(path) {
			w.ingest(path)
		}
	}
}

// ingest reads the image and its sidecar, stores a pending media item,
// and removes the source files. Removal happens only after the store
// write returns, so a crash mid-ingest re-ingests rather than loses.
func (w *Watcher) ingest(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}

		w.logger.Warn("reading capture",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)

		return
	}

	if len(data) == 0 {
		return
	}

	meta := w.readSidecar(path)

	item := models.MediaItem{
		JobID:      meta.JobID,
		Data:       data,
		Latitude:   meta.Latitude,
		Longitude:  meta.Longitude,
		CapturedAt: meta.CapturedAt,
	}
	if item.CapturedAt == 0 {
		item.CapturedAt = time.Now().UnixMilli()
	}

	stored, err := w.intake.AddMedia(item)
	if err != nil {
		w.logger.Warn("ingesting capture",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)

		return
	}

	if err := os.Remove(path); err != nil {
		w.logger.Warn("removing ingested capture",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}

	_ = os.Remove(sidecarPath(path))

	w.logger.Info("capture ingested",
		slog.String("file", norm.NFC.String(filepath.Base(path))),
		slog.String("media", stored.ID),
		slog.String("job", stored.JobID),
	)
}

func (w *Watcher) readSidecar(imagePath string) sidecar {
	var meta sidecar

	raw, err := os.ReadFile(sidecarPath(imagePath))
	if err != nil {
		return meta
	}

	if err := yaml.Unmarshal(raw, &meta); err != nil {
		w.logger.Warn("parsing capture sidecar",
			slog.String("path", sidecarPath(imagePath)),
			slog.String("error", err.Error()),
		)
	}

	return meta
}

// sidecarPath maps image.jpg to image.jpg.yaml. Filenames are
// NFC-normalized before lookup so macOS NFD names match sidecars
// written in NFC.
func sidecarPath(imagePath string) string {
	return norm.NFC.String(imagePath) + ".yaml"
}

func isImage(path string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(path))]
}
