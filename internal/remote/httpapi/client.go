// Package httpapi is the remote backend for a treesync REST server. The
// client is bound to one account (through its credentials) and one
// remote folder.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/alexjbarnes/treesync/internal/credentials"
	syncerr "github.com/alexjbarnes/treesync/internal/errors"
	"github.com/alexjbarnes/treesync/internal/models"
	"github.com/alexjbarnes/treesync/internal/remote"
	"github.com/tidwall/gjson"
)

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// maxAPIResponseBytes caps JSON response reads. File downloads are
	// streamed and not subject to it.
	maxAPIResponseBytes = 4 * 1024 * 1024

	// Response headers describing a downloaded file.
	headerFileID      = "X-Treesync-File-Id"
	headerMTime       = "X-Treesync-Mtime"
	headerFingerprint = "X-Treesync-Fingerprint"
)

const (
	pathTree    = "/api/v1/tree"
	pathFiles   = "/api/v1/files"
	pathFolders = "/api/v1/folders"
	pathMove    = "/api/v1/move"
	pathAccount = "/api/v1/account"
)

// Client talks to the treesync REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	folder     string
	creds      credentials.Provider
}

var (
	_ remote.API             = (*Client)(nil)
	_ remote.AccountReporter = (*Client)(nil)
)

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host, so the bearer token never leaves
// the configured server.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// New creates a client for folder on the server at baseURL. If
// httpClient is nil, a client with the same-host redirect policy is
// created. Per-call deadlines come from the caller's context.
func New(baseURL, folder string, creds credentials.Provider, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{CheckRedirect: sameHostRedirectPolicy}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		folder:     folder,
		creds:      creds,
	}
}

type treeResponse struct {
	Entries []models.RemoteEntry `json:"entries"`
	Next    string               `json:"next"`
}

type accountResponse struct {
	AccountID string `json:"account_id"`
}

type folderRequest struct {
	Folder string `json:"folder"`
	Path   string `json:"path"`
}

type moveRequest struct {
	Folder string `json:"folder"`
	From   string `json:"from"`
	To     string `json:"to"`
}

// ListPage implements remote.API.
func (c *Client) ListPage(ctx context.Context, cursor string) (remote.Page, error) {
	q := url.Values{"folder": {c.folder}}
	if cursor != "" {
		q.Set("cursor", cursor)
	}

	var resp treeResponse
	if err := c.doJSON(ctx, opList, http.MethodGet, pathTree, q, nil, nil, &resp); err != nil {
		return remote.Page{}, err
	}

	return remote.Page{Entries: resp.Entries, Next: resp.Next}, nil
}

// Get implements remote.API.
func (c *Client) Get(ctx context.Context, path string, w io.Writer) (models.RemoteEntry, error) {
	resp, err := c.do(ctx, opGet, http.MethodGet, pathFiles, c.pathQuery(path), nil, -1, nil)
	if err != nil {
		return models.RemoteEntry{}, err
	}
	defer resp.Body.Close()

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return models.RemoteEntry{}, ctx.Err()
		}

		return models.RemoteEntry{}, syncerr.Op("get", path, syncerr.Retryable(fmt.Errorf("reading download: %w", err)))
	}

	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return models.RemoteEntry{}, syncerr.Op("get", path, syncerr.Retryable(fmt.Errorf("short download: %d of %d bytes", n, resp.ContentLength)))
	}

	mtime, _ := strconv.ParseInt(resp.Header.Get(headerMTime), 10, 64)

	return models.RemoteEntry{
		Path:        path,
		FileID:      resp.Header.Get(headerFileID),
		ETag:        resp.Header.Get("ETag"),
		Size:        n,
		MTime:       mtime,
		Fingerprint: resp.Header.Get(headerFingerprint),
	}, nil
}

// Put implements remote.API.
func (c *Client) Put(ctx context.Context, path string, r io.Reader, size int64, pre remote.Precondition) (models.RemoteEntry, error) {
	header := http.Header{"Content-Type": {"application/octet-stream"}}
	applyPrecondition(header, pre)

	resp, err := c.do(ctx, opPut, http.MethodPut, pathFiles, c.pathQuery(path), r, size, header)
	if err != nil {
		return models.RemoteEntry{}, err
	}
	defer resp.Body.Close()

	return decodeEntry(resp, "put", path)
}

// Mkdir implements remote.API.
func (c *Client) Mkdir(ctx context.Context, path string) (models.RemoteEntry, error) {
	var entry models.RemoteEntry
	if err := c.doJSON(ctx, opMkdir, http.MethodPost, pathFolders, nil, folderRequest{Folder: c.folder, Path: path}, nil, &entry); err != nil {
		return models.RemoteEntry{}, err
	}

	return entry, nil
}

// Delete implements remote.API.
func (c *Client) Delete(ctx context.Context, path string, pre remote.Precondition) error {
	header := http.Header{}
	applyPrecondition(header, pre)

	resp, err := c.do(ctx, opDelete, http.MethodDelete, pathFiles, c.pathQuery(path), nil, -1, header)
	if err != nil {
		return err
	}

	resp.Body.Close()

	return nil
}

// Move implements remote.API.
func (c *Client) Move(ctx context.Context, from, to string) (models.RemoteEntry, error) {
	var entry models.RemoteEntry
	if err := c.doJSON(ctx, opMove, http.MethodPost, pathMove, nil, moveRequest{Folder: c.folder, From: from, To: to}, nil, &entry); err != nil {
		return models.RemoteEntry{}, err
	}

	return entry, nil
}

// Account implements remote.AccountReporter.
func (c *Client) Account(ctx context.Context) (string, error) {
	var resp accountResponse
	if err := c.doJSON(ctx, opAccount, http.MethodGet, pathAccount, nil, nil, nil, &resp); err != nil {
		return "", err
	}

	return resp.AccountID, nil
}

func (c *Client) pathQuery(path string) url.Values {
	return url.Values{"folder": {c.folder}, "path": {path}}
}

func applyPrecondition(h http.Header, pre remote.Precondition) {
	if pre.MustNotExist {
		h.Set("If-None-Match", "*")
	}

	if pre.ETag != "" {
		h.Set("If-Match", pre.ETag)
	}
}

// doJSON sends an optional JSON body and decodes a JSON response.
func (c *Client) doJSON(ctx context.Context, op operation, method, endpoint string, q url.Values, body any, header http.Header, result any) error {
	var (
		r    io.Reader
		size int64 = -1
	)

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}

		r = bytes.NewReader(payload)
		size = int64(len(payload))

		if header == nil {
			header = http.Header{}
		}

		header.Set("Content-Type", "application/json")
	}

	resp, err := c.do(ctx, op, method, endpoint, q, r, size, header)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return syncerr.Retryable(fmt.Errorf("reading response from %s: %w", endpoint, err))
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response from %s: %w", endpoint, err)
		}
	}

	return nil
}

// do sends a request and returns the response for 2xx statuses. Every
// other outcome is classified into the sync error kinds.
func (c *Client) do(ctx context.Context, op operation, method, endpoint string, q url.Values, body io.Reader, size int64, header http.Header) (*http.Response, error) {
	creds, err := c.creds.Credentials(ctx)
	if err != nil {
		return nil, err
	}

	u := c.baseURL + endpoint
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	if size >= 0 && body != nil {
		req.ContentLength = size
	}

	for k, v := range header {
		req.Header[k] = v
	}

	req.Header.Set("Authorization", "Bearer "+creds.Token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("sending request to %s: %w", endpoint, ctx.Err())
		}

		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return nil, syncerr.Retryable(fmt.Errorf("sending request to %s: %w", endpoint, err))
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))

	return nil, classifyStatus(op, endpoint, resp.StatusCode, respBody, resp.Header)
}

func decodeEntry(resp *http.Response, op, path string) (models.RemoteEntry, error) {
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return models.RemoteEntry{}, syncerr.Op(op, path, syncerr.Retryable(err))
	}

	var entry models.RemoteEntry
	if err := json.Unmarshal(respBody, &entry); err != nil {
		return models.RemoteEntry{}, syncerr.Op(op, path, fmt.Errorf("decoding response: %w", err))
	}

	return entry, nil
}

// operation names the call for status classification: a 404 on the
// listing means the bound folder itself is gone.
type operation string

const (
	opList    operation = "list"
	opGet     operation = "get"
	opPut     operation = "put"
	opMkdir   operation = "mkdir"
	opDelete  operation = "delete"
	opMove    operation = "move"
	opAccount operation = "account"
)

// classifyStatus maps a non-2xx response to an error of the right kind.
func classifyStatus(op operation, endpoint string, status int, body []byte, header http.Header) error {
	msg := apiMessage(body)
	base := fmt.Errorf("API %s %s returned status %d: %s", op, endpoint, status, msg)

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return syncerr.Fatal(fmt.Errorf("%w: %w", base, syncerr.ErrAuth))
	case status == http.StatusNotFound && op == opList:
		return syncerr.Fatal(fmt.Errorf("%w: %w", base, syncerr.ErrRemoteFolderGone))
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %w", base, syncerr.ErrRemoteNotFound)
	case status == http.StatusConflict || status == http.StatusPreconditionFailed:
		return fmt.Errorf("%w: %w", base, syncerr.ErrPrecondition)
	case status == http.StatusInsufficientStorage:
		return syncerr.Fatal(base)
	case isTransientStatus(status):
		if after := header.Get("Retry-After"); after != "" {
			if secs, err := strconv.Atoi(after); err == nil {
				base = fmt.Errorf("%w (retry after %s)", base, time.Duration(secs)*time.Second)
			}
		}

		return syncerr.Retryable(base)
	case isTransientMessage(msg):
		return syncerr.Retryable(base)
	default:
		return base
	}
}

// apiMessage extracts the server's error text from a JSON body, falling
// back to the sanitized raw body.
func apiMessage(body []byte) string {
	if gjson.ValidBytes(body) {
		for _, key := range []string{"error", "message"} {
			if v := gjson.GetBytes(body, key); v.Type == gjson.String && v.Str != "" {
				return sanitizeResponseBody([]byte(v.Str))
			}
		}
	}

	return sanitizeResponseBody(body)
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

// isTransientMessage checks whether an API error message suggests a
// temporary condition the status code did not convey.
func isTransientMessage(msg string) bool {
	lower := strings.ToLower(msg)

	return strings.Contains(lower, "overloaded") ||
		strings.Contains(lower, "try again") ||
		strings.Contains(lower, "temporarily unavailable")
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}
