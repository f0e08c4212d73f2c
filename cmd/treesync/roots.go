package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/jonboulle/clockwork"

	"github.com/alexjbarnes/treesync/internal/config"
	"github.com/alexjbarnes/treesync/internal/credentials"
	"github.com/alexjbarnes/treesync/internal/engine"
	"github.com/alexjbarnes/treesync/internal/events"
	"github.com/alexjbarnes/treesync/internal/journal"
	"github.com/alexjbarnes/treesync/internal/localfs"
	"github.com/alexjbarnes/treesync/internal/logging"
	"github.com/alexjbarnes/treesync/internal/remote"
	"github.com/alexjbarnes/treesync/internal/remote/httpapi"
	"github.com/alexjbarnes/treesync/internal/remote/memory"
	"github.com/alexjbarnes/treesync/internal/remote/s3backend"
	"github.com/alexjbarnes/treesync/internal/retry"
	"github.com/alexjbarnes/treesync/internal/scanner"
)

// app is the loaded configuration shared by the commands.
type app struct {
	cfg    *config.Config
	roots  []config.Root
	logger *slog.Logger
	clock  clockwork.Clock
}

func loadApp(stderr io.Writer) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	roots, err := config.LoadRoots(cfg.RootsFile)
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:    cfg,
		roots:  roots,
		logger: logging.NewLogger(cfg.Environment, stderr),
		clock:  clockwork.NewRealClock(),
	}, nil
}

func (a *app) root(name string) (config.Root, error) {
	for _, r := range a.roots {
		if r.Name == name {
			return r, nil
		}
	}

	names := make([]string, 0, len(a.roots))
	for _, r := range a.roots {
		names = append(names, r.Name)
	}

	return config.Root{}, fmt.Errorf("root %q not found, available: %s", name, strings.Join(names, ", "))
}

func (a *app) binding(r config.Root) journal.Binding {
	return journal.Binding{AccountID: r.AccountID, FolderPath: r.RemoteFolder}
}

// backend is a root's remote API plus what the daemon needs to follow
// remote changes.
type backend struct {
	api   remote.API
	creds credentials.Provider
	// notifier is nil when the backend has no push channel.
	notifier func(onChange func()) *httpapi.Notifier
}

func (a *app) backend(ctx context.Context, r config.Root) (*backend, error) {
	switch r.Backend {
	case config.BackendHTTP:
		creds := credentials.NewCached(credentials.NewEnv(r.AccountID, r.TokenEnv))
		b := &backend{
			api:   httpapi.New(r.ServerURL, r.RemoteFolder, creds, nil),
			creds: creds,
		}

		if r.NotifyURL != "" {
			logger := logging.ForRoot(a.logger, r.Name)
			b.notifier = func(onChange func()) *httpapi.Notifier {
				return httpapi.NewNotifier(r.NotifyURL, r.RemoteFolder, creds, onChange, a.clock, logger)
			}
		}

		return b, nil

	case config.BackendS3:
		api, err := s3backend.New(ctx, s3backend.Config{
			Bucket:    r.S3.Bucket,
			Prefix:    r.RemoteFolder,
			Region:    r.S3.Region,
			Endpoint:  r.S3.Endpoint,
			AccessKey: envOrEmpty(r.S3.AccessKeyEnv),
			SecretKey: envOrEmpty(r.S3.SecretKeyEnv),
		})
		if err != nil {
			return nil, fmt.Errorf("root %q: %w", r.Name, err)
		}

		return &backend{api: api}, nil

	case config.BackendMemory:
		srv := memory.New(a.clock)
		srv.SetAccount(r.AccountID)

		return &backend{api: srv}, nil
	}

	return nil, fmt.Errorf("root %q: unknown backend %q", r.Name, r.Backend)
}

func envOrEmpty(name string) string {
	if name == "" {
		return ""
	}

	return os.Getenv(name)
}

// buildRoot assembles an engine root from its configuration.
func (a *app) buildRoot(r config.Root, b *backend, sink events.Sink) (*engine.Root, error) {
	tree, err := localfs.NewOSTree(r.LocalDir)
	if err != nil {
		return nil, fmt.Errorf("root %q: %w", r.Name, err)
	}

	return engine.NewRoot(engine.RootConfig{
		Name:         r.Name,
		AccountID:    r.AccountID,
		RemoteFolder: r.RemoteFolder,
		JournalPath:  a.cfg.JournalPath(r.Name),
		Exclude:      r.Exclude,
		Ignore:       r.Ignore,
		Tree:         tree,
		API:          b.api,
		Credentials:  b.creds,
		Sink:         sink,
		Clock:        a.clock,
		Logger:       a.logger,
		Retry: retry.Config{
			MaxAttempts: a.cfg.MaxAttempts,
			InitialWait: a.cfg.RetryInitial,
			MaxWait:     a.cfg.RetryMax,
			Multiplier:  2,
			Jitter:      0.2,
		},
		Concurrency:      a.cfg.TransferConcurrency,
		Timeout:          a.cfg.NetworkTimeout,
		BreakerThreshold: a.cfg.BreakerThreshold,
		Rename: scanner.RenamePolicy{
			MinConfidence: a.cfg.RenameMinConfidence,
			MinSize:       a.cfg.RenameMinSize,
		},
	}), nil
}

// buildRoots builds every configured root, or only the named one.
func (a *app) buildRoots(ctx context.Context, only string, sink events.Sink) ([]*engine.Root, []*backend, error) {
	selected := a.roots
	if only != "" {
		r, err := a.root(only)
		if err != nil {
			return nil, nil, err
		}

		selected = []config.Root{r}
	}

	roots := make([]*engine.Root, 0, len(selected))
	backends := make([]*backend, 0, len(selected))

	for _, rc := range selected {
		b, err := a.backend(ctx, rc)
		if err != nil {
			return nil, nil, err
		}

		root, err := a.buildRoot(rc, b, sink)
		if err != nil {
			return nil, nil, err
		}

		roots = append(roots, root)
		backends = append(backends, b)
	}

	return roots, backends, nil
}
