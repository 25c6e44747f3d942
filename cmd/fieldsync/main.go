package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fieldproof/fieldsync/internal/capture"
	"github.com/fieldproof/fieldsync/internal/config"
	"github.com/fieldproof/fieldsync/internal/connectivity"
	"github.com/fieldproof/fieldsync/internal/drafts"
	"github.com/fieldproof/fieldsync/internal/logging"
	"github.com/fieldproof/fieldsync/internal/queue"
	"github.com/fieldproof/fieldsync/internal/remote"
	"github.com/fieldproof/fieldsync/internal/seal"
	"github.com/fieldproof/fieldsync/internal/store"
	"github.com/fieldproof/fieldsync/internal/sync"
)

var Version = "dev"

func main() {
	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("fieldsync starting",
		slog.String("version", Version),
		slog.String("workspace", cfg.WorkspaceID),
		slog.String("device", cfg.DeviceName),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("opening local store: %w", err)
	}
	defer st.Close()

	failed, err := store.OpenFailed(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("opening failed-queue store: %w", err)
	}
	defer failed.Close()

	q := queue.New(st, logging.ForComponent(logger, "queue"))

	client := remote.NewClient(nil, cfg.RemoteURL, cfg.RemoteAPIKey)
	sealer := seal.NewHTTPSealer(nil, cfg.RemoteURL, cfg.RemoteAPIKey)

	monitor := connectivity.NewMonitor(cfg.RealtimeURL, cfg.RemoteAPIKey, logging.ForComponent(logger, "connectivity"))

	coord := sync.NewCoordinator()
	pusher := sync.NewPusher(st, failed, q, client, client, sealer, coord, monitor.Online, logging.ForComponent(logger, "push"))
	puller := sync.NewPuller(st, q, client, coord, cfg.WorkspaceID, cfg.FullPullEvery, logging.ForComponent(logger, "pull"))
	recovery := sync.NewMediaRecovery(st, client, client, logging.ForComponent(logger, "media"))
	mutator := sync.NewMutator(st, q, failed, cfg.WorkspaceID, logging.ForComponent(logger, "mutate"))
	draftMgr := drafts.NewManager(st, cfg.WorkspaceID, logging.ForComponent(logger, "drafts"))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return monitor.Run(gctx)
	})

	g.Go(func() error {
		return draftMgr.Run(gctx)
	})

	if cfg.CaptureDir != "" {
		watcher := capture.NewWatcher(cfg.CaptureDir, mutator, logging.ForComponent(logger, "capture"))
		g.Go(func() error {
			return watcher.Watch(gctx)
		})
	}

	g.Go(func() error {
		return runSyncLoop(gctx, cfg, monitor, pusher, puller, recovery, logger)
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("fieldsync stopped")

	return nil
}

// runSyncLoop drives sync cycles on a fixed interval, plus an immediate
// cycle whenever connectivity comes back so queued work drains without
// waiting out the timer.
func runSyncLoop(ctx context.Context, cfg *config.Config, monitor *connectivity.Monitor, pusher *sync.Pusher, puller *sync.Puller, recovery *sync.MediaRecovery, logger *slog.Logger) error {
	ticker := time.NewTicker(cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case online := <-monitor.Changes():
			if !online {
				continue
			}

			logger.Info("connectivity restored, syncing")
			syncCycle(ctx, pusher, puller, recovery, logger)

		case <-ticker.C:
			if !monitor.Online() {
				continue
			}

			syncCycle(ctx, pusher, puller, recovery, logger)
		}
	}
}

// syncCycle runs one push-then-pull round. Push goes first so local
// writes reach the backend before the pull reads it back; media
// recovery rides along at the end of the cycle.
func syncCycle(ctx context.Context, pusher *sync.Pusher, puller *sync.Puller, recovery *sync.MediaRecovery, logger *slog.Logger) {
	if err := pusher.Drain(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("queue drain failed", slog.String("error", err.Error()))
	}

	if err := puller.PullAll(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("pull failed", slog.String("error", err.Error()))
	}

	if err := recovery.Recover(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("media recovery failed", slog.String("error", err.Error()))
	}
}
