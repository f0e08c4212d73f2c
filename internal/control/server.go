package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/alexjbarnes/treesync/internal/events"
	"github.com/alexjbarnes/treesync/internal/metrics"
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Controller Controller
	Keys       *KeyStore
	// Events, when set, is streamed on /events next to /mcp.
	Events  *events.Bus
	Version string
	Logger  *slog.Logger
}

// NewMux builds the control HTTP mux: /healthz, /metrics and, when API
// keys are configured, the MCP endpoint and the event stream behind
// Bearer key middleware.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.Handle("/metrics", metrics.Handler())

	if cfg.Keys == nil || cfg.Keys.Len() == 0 {
		return mux
	}

	server := mcp.NewServer(
		&mcp.Implementation{Name: "treesync", Version: cfg.Version},
		nil,
	)
	RegisterTools(server, cfg.Controller, cfg.Logger)

	handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return server
	}, nil)

	auth := Middleware(cfg.Keys, cfg.Logger)
	mux.Handle("/mcp", auth(handler))

	if cfg.Events != nil {
		mux.Handle("/events", auth(EventStream(cfg.Events, cfg.Logger)))
	}

	return mux
}

// Serve runs the control server on addr until ctx is done.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down control server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("starting control server", slog.String("listen", addr))

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("control server error: %w", err)
	}

	return nil
}
