package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/runbox/internal/auth"
	"github.com/sakif/runbox/internal/config"
	"github.com/sakif/runbox/internal/executor"
	"github.com/sakif/runbox/internal/handler"
	"github.com/sakif/runbox/internal/language"
	"github.com/sakif/runbox/internal/model"
	"github.com/sakif/runbox/internal/workspace"
)

// echoSandbox "runs" every program by copying stdin to stdout.
type echoSandbox struct {
	mu      sync.Mutex
	reaped  bool
	ensured []string
}

func (e *echoSandbox) Execute(ctx context.Context, ws *workspace.Workspace, spec language.Spec, stdin string, limits executor.Limits) (*executor.Outcome, error) {
	return &executor.Outcome{
		Phase:    executor.PhaseRun,
		ExitCode: executor.IntPtr(0),
		Stdout:   []byte(stdin),
		WallTime: 5 * time.Millisecond,
	}, nil
}

func (e *echoSandbox) Close() error { return nil }

func (e *echoSandbox) ReapOrphans(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reaped = true
	return 2, nil
}

func (e *echoSandbox) EnsureImages(ctx context.Context, refs []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ensured = append([]string(nil), refs...)
	return nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Chdir(t.TempDir())
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Workspace.Root = filepath.Join(t.TempDir(), "ws")
	cfg.Storage.DBPath = ":memory:"
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config, sb executor.Sandbox) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := newWithSandbox(cfg, logger, sb)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func do(t *testing.T, s *Server, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, testConfig(t), &echoSandbox{})

	rr := do(t, s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"status":"ok"`)
}

func TestExecute_EndToEnd(t *testing.T) {
	cfg := testConfig(t)
	s := newTestServer(t, cfg, &echoSandbox{})

	for _, path := range []string{"/execute", "/api/execute", "/api/code-templates/run"} {
		rr := do(t, s, http.MethodPost, path, `{"language":"python","codeSnippet":"print(input())","stdin":"abc\n"}`)
		require.Equal(t, http.StatusOK, rr.Code, path)

		var res handler.ExecuteResponse
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&res))
		assert.Equal(t, "abc\n", res.OutputString)
		assert.Equal(t, executor.StatusSuccess, res.Status)
	}

	entries, err := os.ReadDir(cfg.Workspace.Root)
	require.NoError(t, err)
	assert.Empty(t, entries, "workspaces are removed after every call")

	rr := do(t, s, http.MethodGet, "/api/executions?limit=10", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var rows []model.Execution
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&rows))
	assert.Len(t, rows, 3)

	rr = do(t, s, http.MethodGet, "/api/executions/"+rows[0].ID, "")
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, s, http.MethodGet, "/metrics", "")
	assert.Contains(t, rr.Body.String(), `runbox_executions_total{language="python",status="Success"} 3`)
}

func TestExecute_UnsupportedLanguage(t *testing.T) {
	cfg := testConfig(t)
	s := newTestServer(t, cfg, &echoSandbox{})

	rr := do(t, s, http.MethodPost, "/execute", `{"language":"cobol","codeSnippet":"x"}`)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "unsupported language")
	entries, err := os.ReadDir(cfg.Workspace.Root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLanguages(t *testing.T) {
	s := newTestServer(t, testConfig(t), &echoSandbox{})

	rr := do(t, s, http.MethodGet, "/api/languages", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"id":"javascript"`)
}

func TestAuth_Required(t *testing.T) {
	cfg := testConfig(t)
	hash, err := auth.HashKey("rbx_integration_key_01", 4)
	require.NoError(t, err)
	cfg.Auth.APIKeys = []auth.APIKey{{Name: "webapp", Hash: hash}}
	s := newTestServer(t, cfg, &echoSandbox{})

	body := `{"language":"bash","codeSnippet":"echo hi"}`

	rr := do(t, s, http.MethodPost, "/execute", body)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = do(t, s, http.MethodGet, "/api/executions", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = do(t, s, http.MethodPost, "/execute", body, "X-API-Key", "rbx_integration_key_01")
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, s, http.MethodGet, "/api/executions", "", "X-API-Key", "rbx_integration_key_01")
	require.Equal(t, http.StatusOK, rr.Code)
	var rows []model.Execution
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "key:webapp", rows[0].Client)

	// Public endpoints stay public.
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/api/languages", "").Code)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/healthz", "").Code)
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig(t)
	cfg.RateLimit.RPS = 0.001
	cfg.RateLimit.Burst = 1
	s := newTestServer(t, cfg, &echoSandbox{})

	body := `{"language":"lua","codeSnippet":"print(1)"}`
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/execute", body).Code)

	rr := do(t, s, http.MethodPost, "/execute", body)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)

	metrics := do(t, s, http.MethodGet, "/metrics", "").Body.String()
	assert.Contains(t, metrics, "runbox_rate_limit_hits_total 1")
}

func TestRecover(t *testing.T) {
	cfg := testConfig(t)
	sb := &echoSandbox{}
	s := newTestServer(t, cfg, sb)

	stray := filepath.Join(cfg.Workspace.Root, "left-over")
	require.NoError(t, os.MkdirAll(stray, 0o755))

	require.NoError(t, s.Recover(context.Background()))

	_, err := os.Stat(stray)
	assert.True(t, os.IsNotExist(err), "stray workspace swept")
	assert.True(t, sb.reaped)
	assert.ElementsMatch(t, s.registry.Images(), sb.ensured)
}
