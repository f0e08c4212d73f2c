package e2e_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/treesync/internal/config"
	"github.com/alexjbarnes/treesync/internal/control"
	"github.com/alexjbarnes/treesync/internal/engine"
	"github.com/alexjbarnes/treesync/internal/events"
	"github.com/alexjbarnes/treesync/internal/localfs"
	"github.com/alexjbarnes/treesync/internal/logging"
	"github.com/alexjbarnes/treesync/internal/remote/memory"
	"github.com/alexjbarnes/treesync/internal/retry"
)

const (
	testAccount = "alice@example.com"
	testFolder  = "/Shared"
	testAPIKey  = "ts_0123456789abcdef0123456789abcdef"
)

// harness is two desktop clients ("laptop" and "desktop") of the same
// account syncing one remote folder, run by a Manager and driven over
// the control HTTP surface.
type harness struct {
	URL     string
	Remote  *memory.Server
	Dirs    map[string]string
	Session *mcp.ClientSession

	finished <-chan events.Event
}

// newHarness seeds the remote, starts the manager, waits for the initial
// run of both clients and connects an MCP client with a valid API key.
func newHarness(t *testing.T, seed map[string]string) *harness {
	t.Helper()

	remote := memory.New(clockwork.NewRealClock())
	remote.SetAccount(testAccount)

	for path, content := range seed {
		remote.PutFile(path, []byte(content))
	}

	bus := events.NewBus(64)
	finished, unsubscribe := bus.Subscribe()
	t.Cleanup(unsubscribe)

	base := t.TempDir()
	h := &harness{Remote: remote, Dirs: map[string]string{}}

	var roots []*engine.Root

	for _, name := range []string{"laptop", "desktop"} {
		dir := filepath.Join(base, name)

		tree, err := localfs.NewOSTree(dir)
		require.NoError(t, err)

		h.Dirs[name] = dir
		roots = append(roots, engine.NewRoot(engine.RootConfig{
			Name:         name,
			AccountID:    testAccount,
			RemoteFolder: testFolder,
			JournalPath:  filepath.Join(base, "state", name+".journal.db"),
			Tree:         tree,
			API:          remote,
			Sink:         bus,
			Logger:       logging.Discard(),
			Retry:        retry.Config{MaxAttempts: 2},
			Concurrency:  2,
			Timeout:      10 * time.Second,
		}))
	}

	m := engine.NewManager(roots, engine.ManagerConfig{RootConcurrency: 2}, nil, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- m.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	h.finished = onlyFinished(t, finished)
	h.waitRuns(t, "laptop", "desktop")

	mux := control.NewMux(control.MuxConfig{
		Controller: m,
		Keys:       control.NewKeyStore([]config.APIKeyEntry{{UserID: "ops", Key: testAPIKey}}),
		Events:     bus,
		Version:    "test",
		Logger:     logging.Discard(),
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	h.URL = srv.URL

	client := mcp.NewClient(&mcp.Implementation{Name: "e2e-client", Version: "test"}, nil)
	transport := &mcp.StreamableClientTransport{
		Endpoint:   srv.URL + "/mcp",
		HTTPClient: &http.Client{Transport: bearer{key: testAPIKey}},
	}

	session, err := client.Connect(context.Background(), transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { session.Close() })

	h.Session = session

	return h
}

// onlyFinished forwards run_finished events.
func onlyFinished(t *testing.T, in <-chan events.Event) <-chan events.Event {
	t.Helper()

	out := make(chan events.Event, 16)

	go func() {
		for ev := range in {
			if ev.Type == events.RunFinished {
				out <- ev
			}
		}
	}()

	return out
}

// waitRuns blocks until every named root finished one run.
func (h *harness) waitRuns(t *testing.T, roots ...string) map[string]events.Event {
	t.Helper()

	want := make(map[string]bool, len(roots))
	for _, r := range roots {
		want[r] = true
	}

	got := make(map[string]events.Event, len(roots))
	timeout := time.After(10 * time.Second)

	for len(got) < len(want) {
		select {
		case ev := <-h.finished:
			if want[ev.Root] {
				got[ev.Root] = ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for runs of %v, got %v", roots, got)
		}
	}

	return got
}

// resync queues a run through the control surface and waits for it.
func (h *harness) resync(t *testing.T, root string) events.Event {
	t.Helper()

	result := h.callTool(t, "sync_resync", map[string]any{"root": root})
	require.False(t, result.IsError, "sync_resync %s", root)

	return h.waitRuns(t, root)[root]
}

func (h *harness) callTool(t *testing.T, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := h.Session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)

	return result
}

func (h *harness) write(t *testing.T, root, rel, content string) {
	t.Helper()

	abs := filepath.Join(h.Dirs[root], filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
}

func (h *harness) read(t *testing.T, root, rel string) string {
	t.Helper()

	data, err := os.ReadFile(filepath.Join(h.Dirs[root], filepath.FromSlash(rel)))
	require.NoError(t, err)

	return string(data)
}

func (h *harness) exists(root, rel string) bool {
	_, err := os.Stat(filepath.Join(h.Dirs[root], filepath.FromSlash(rel)))
	return err == nil
}

func extractJSON(t *testing.T, result *mcp.CallToolResult, dest any) {
	t.Helper()
	require.NotEmpty(t, result.Content, "result has no content")

	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok, "first content is not TextContent")
	require.NoError(t, json.Unmarshal([]byte(tc.Text), dest))
}

type bearer struct {
	key string
}

func (b bearer) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+b.key)

	return http.DefaultTransport.RoundTrip(req)
}
