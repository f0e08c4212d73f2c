package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"time"

	"github.com/alexjbarnes/treesync/internal/credentials"
	syncerr "github.com/alexjbarnes/treesync/internal/errors"
	"github.com/coder/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/tidwall/gjson"
)

const (
	reconnectMin = 5 * time.Second
	reconnectMax = 5 * time.Minute

	// notifyReadLimit bounds a single notification frame.
	notifyReadLimit = 64 * 1024
)

// Notifier listens on the server's notification websocket and calls
// OnChange whenever the bound folder changed remotely. It reconnects
// with exponential backoff until its context ends or the server rejects
// the credentials.
type Notifier struct {
	url      string
	folder   string
	creds    credentials.Provider
	onChange func()
	clock    clockwork.Clock
	logger   *slog.Logger

	minBackoff time.Duration
	maxBackoff time.Duration
}

// NewNotifier creates a notifier for folder at notifyURL (ws, wss, http
// or https).
func NewNotifier(notifyURL, folder string, creds credentials.Provider, onChange func(), clock clockwork.Clock, logger *slog.Logger) *Notifier {
	return &Notifier{
		url:        notifyURL,
		folder:     folder,
		creds:      creds,
		onChange:   onChange,
		clock:      clock,
		logger:     logger,
		minBackoff: reconnectMin,
		maxBackoff: reconnectMax,
	}
}

// Run is the reconnect loop. It returns nil when ctx ends and an error
// only for permanent failures.
func (n *Notifier) Run(ctx context.Context) error {
	backoff := n.minBackoff

	for {
		connected, err := n.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}

		if syncerr.IsFatal(err) {
			return fmt.Errorf("permanent notifier error: %w", err)
		}

		if connected {
			backoff = n.minBackoff
		}

		n.logger.Warn("notification connection lost, reconnecting",
			slog.String("error", errString(err)),
			slog.Duration("backoff", backoff),
		)

		wait := backoff
		if half := int64(backoff) / 2; half > 0 {
			wait += time.Duration(rand.Int64N(half))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-n.clock.After(wait):
		}

		backoff = min(backoff*2, n.maxBackoff)
	}
}

// listen holds one connection until it fails. connected reports whether
// the handshake succeeded, which resets the backoff.
func (n *Notifier) listen(ctx context.Context) (connected bool, err error) {
	creds, err := n.creds.Credentials(ctx)
	if err != nil {
		return false, err
	}

	u, err := url.Parse(n.url)
	if err != nil {
		return false, syncerr.Config(fmt.Errorf("parsing notify url: %w", err))
	}

	q := u.Query()
	q.Set("folder", n.folder)
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Bearer " + creds.Token}},
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return false, syncerr.Fatal(fmt.Errorf("dialing notifications: %w", syncerr.ErrAuth))
		}

		return false, fmt.Errorf("dialing notifications: %w", err)
	}
	defer conn.CloseNow()

	conn.SetReadLimit(notifyReadLimit)
	n.logger.Info("notification channel connected", slog.String("folder", n.folder))

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return true, fmt.Errorf("reading notification: %w", err)
		}

		if typ != websocket.MessageText {
			continue
		}

		switch gjson.GetBytes(data, "op").Str {
		case "changed":
			folder := gjson.GetBytes(data, "folder").Str
			if folder != "" && folder != n.folder {
				continue
			}

			n.logger.Debug("remote change notification", slog.String("folder", n.folder))
			n.onChange()
		case "ping":
			if err := conn.Write(ctx, websocket.MessageText, []byte(`{"op":"pong"}`)); err != nil {
				return true, fmt.Errorf("answering ping: %w", err)
			}
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}

	var closeErr websocket.CloseError
	if errors.As(err, &closeErr) {
		return fmt.Sprintf("closed by server (%d): %s", closeErr.Code, closeErr.Reason)
	}

	return err.Error()
}
