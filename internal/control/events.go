package control

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/alexjbarnes/treesync/internal/events"
)

// EventStream serves engine events as newline-delimited JSON until the
// client goes away. The optional root query parameter limits the stream
// to one root. A client that reads too slowly misses events instead of
// stalling the engine.
func EventStream(bus *events.Bus, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)

			return
		}

		root := r.URL.Query().Get("root")

		ch, unsubscribe := bus.Subscribe()
		defer unsubscribe()

		rc := http.NewResponseController(w)
		// The stream outlives the server's write timeout.
		_ = rc.SetWriteDeadline(time.Time{})

		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)

		if err := rc.Flush(); err != nil {
			return
		}

		logger.Debug("event stream opened",
			slog.String("user_id", RequestUserID(r.Context())),
			slog.String("root", root),
		)

		enc := json.NewEncoder(w)

		for {
			select {
			case <-r.Context().Done():
				logger.Debug("event stream closed", slog.Uint64("dropped_total", bus.Dropped()))
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}

				if root != "" && ev.Root != root {
					continue
				}

				if err := enc.Encode(ev); err != nil {
					return
				}

				if err := rc.Flush(); err != nil {
					return
				}
			}
		}
	})
}
