package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/treesync/internal/control"
	"github.com/alexjbarnes/treesync/internal/engine"
	"github.com/alexjbarnes/treesync/internal/events"
	"github.com/alexjbarnes/treesync/internal/watch"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync daemon for every configured root",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runDaemon(ctx, a)
		},
	}
}

func runDaemon(ctx context.Context, a *app) error {
	a.logger.Info("treesync starting",
		slog.String("version", Version),
		slog.Int("roots", len(a.roots)),
		slog.String("state_dir", a.cfg.StateDir),
	)

	keyEntries, err := a.cfg.ParseAPIKeys()
	if err != nil {
		return fmt.Errorf("parsing control API keys: %w", err)
	}

	bus := events.NewBus(256)

	roots, backends, err := a.buildRoots(ctx, "", events.Multi{events.LogSink{Logger: a.logger}, bus})
	if err != nil {
		return err
	}

	m := engine.NewManager(roots, engine.ManagerConfig{
		RootConcurrency: a.cfg.RootConcurrency,
		PollInterval:    a.cfg.PollInterval,
		Backoff:         engine.DefaultBackoff(),
	}, a.clock, a.logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ignoreCanceled(m.Run(gctx))
	})

	for i, root := range roots {
		name := root.Name()
		logger := a.logger.With(slog.String("root", name))

		w := watch.New(watch.Config{
			Dir:     root.Status().LocalDir,
			Allow:   root.Allows,
			Trigger: m.TriggerFunc(name),
			Clock:   a.clock,
			Logger:  logger,
		})

		g.Go(func() error {
			return ignoreCanceled(w.Watch(gctx))
		})

		if backends[i].notifier == nil {
			continue
		}

		n := backends[i].notifier(m.TriggerFunc(name))

		g.Go(func() error {
			// A rejected notifier leaves the poll interval in charge.
			if err := n.Run(gctx); err != nil {
				logger.Error("remote notifier stopped", slog.String("error", err.Error()))
			}

			return nil
		})
	}

	mux := control.NewMux(control.MuxConfig{
		Controller: m,
		Keys:       control.NewKeyStore(keyEntries),
		Events:     bus,
		Version:    Version,
		Logger:     a.logger.With(slog.String("service", "control")),
	})

	if len(keyEntries) == 0 {
		a.logger.Info("control tools disabled, set TREESYNC_CONTROL_API_KEYS to enable /mcp and /events")
	}

	g.Go(func() error {
		return control.Serve(gctx, a.cfg.ControlAddr, mux, a.logger)
	})

	err = g.Wait()

	a.logger.Info("treesync stopped")

	return err
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}
