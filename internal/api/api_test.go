package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/devloop/internal/action"
	"github.com/joescharf/devloop/internal/applier"
	"github.com/joescharf/devloop/internal/devloop"
	"github.com/joescharf/devloop/internal/models"
	"github.com/joescharf/devloop/internal/process"
	"github.com/joescharf/devloop/internal/promote"
)

type fakeService struct {
	prompts  []string
	raw      []string
	labels   []string
	err      error
	outcome  process.Outcome
	started  []string
	stopped  []process.Kind
	rounds   []*models.Round
	limits   []int
	resolved []string
	setups   []bool
	resets   int
}

func (f *fakeService) outcomeFor() *devloop.Outcome {
	return &devloop.Outcome{
		Round:       &models.Round{ID: "r1", Status: models.RoundApplied},
		Explanation: "done",
		Report:      &applier.Report{},
		Effects:     &applier.EffectsReport{},
	}
}

func (f *fakeService) Propose(_ context.Context, prompt string) (*devloop.Outcome, error) {
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return nil, f.err
	}
	return f.outcomeFor(), nil
}

func (f *fakeService) ApplyRaw(_ context.Context, label string, raw []byte) (*devloop.Outcome, error) {
	f.labels = append(f.labels, label)
	f.raw = append(f.raw, string(raw))
	if _, err := action.Parse(raw); err != nil {
		return nil, err
	}
	return f.outcomeFor(), nil
}

func (f *fakeService) result(op string) (*promote.Result, error) {
	f.resolved = append(f.resolved, op)
	if f.err != nil {
		return &promote.Result{Message: f.err.Error()}, f.err
	}
	return &promote.Result{Message: op + " ok"}, nil
}

func (f *fakeService) Approve(context.Context) (*promote.Result, error)  { return f.result("approve") }
func (f *fakeService) Rollback(context.Context) (*promote.Result, error) { return f.result("rollback") }
func (f *fakeService) Undo(context.Context) (*promote.Result, error)     { return f.result("undo") }
func (f *fakeService) Confirm(context.Context) (*promote.Result, error)  { return f.result("confirm") }

func (f *fakeService) Diff(_ context.Context, stat bool) (*devloop.DiffResult, error) {
	return &devloop.DiffResult{Diff: fmt.Sprintf("stat=%t", stat), Untracked: []string{"new.js"}}, nil
}

func (f *fakeService) Rounds(_ context.Context, limit int) ([]*models.Round, error) {
	f.limits = append(f.limits, limit)
	return f.rounds, nil
}

func (f *fakeService) Promotions(context.Context, int) ([]*models.Promotion, error) {
	return []*models.Promotion{{ID: "p1", Status: models.PromotionCommitted}}, nil
}

func (f *fakeService) History(context.Context, int) ([]*models.Message, error) {
	return []*models.Message{{Role: models.RoleUser, Content: "hi"}}, nil
}

func (f *fakeService) ClearHistory(context.Context) (int64, error) { return 4, nil }

func (f *fakeService) StartServers(_ context.Context, force bool, kinds ...process.Kind) (map[process.Kind]process.Outcome, error) {
	out := make(map[process.Kind]process.Outcome)
	for _, k := range kinds {
		f.started = append(f.started, fmt.Sprintf("%s force=%t", k, force))
		out[k] = f.outcome
	}
	return out, nil
}

func (f *fakeService) StopServers(_ context.Context, kinds ...process.Kind) error {
	f.stopped = append(f.stopped, kinds...)
	return nil
}

func (f *fakeService) ServerStatus(context.Context) []process.Status {
	return []process.Status{{Kind: process.Dev, Port: 5173, Responsive: true}}
}

func (f *fakeService) Setup(_ context.Context, start bool) (*devloop.SetupResult, error) {
	f.setups = append(f.setups, start)
	res := &devloop.SetupResult{Workspaces: []devloop.WorkspaceSetup{{Tag: "backend_dev", Path: "/w/api", Created: true, Initialized: true}}}
	if f.err != nil {
		return res, f.err
	}
	if start {
		res.Servers = map[process.Kind]process.Outcome{process.Dev: f.outcome}
	}
	return res, nil
}

func (f *fakeService) Reset(context.Context) { f.resets++ }

func setupTestServer(t *testing.T) (http.Handler, *fakeService) {
	t.Helper()
	svc := &fakeService{outcome: process.Ready}
	srv := NewServer(svc, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return srv.Router(), svc
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func TestPropose(t *testing.T) {
	h, svc := setupTestServer(t)

	w := do(t, h, "POST", "/api/v1/propose", `{"prompt":"add a footer"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"add a footer"}, svc.prompts)

	out := decode[devloop.Outcome](t, w)
	assert.Equal(t, "r1", out.Round.ID)
	assert.Equal(t, "done", out.Explanation)
}

func TestPropose_BadRequests(t *testing.T) {
	h, svc := setupTestServer(t)

	w := do(t, h, "POST", "/api/v1/propose", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, "POST", "/api/v1/propose", `{"prompt":"  "}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "prompt is required", decode[map[string]string](t, w)["error"])
	assert.Empty(t, svc.prompts)
}

func TestPropose_ErrorStatuses(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("wrapped: %w", promote.ErrUnresolvedRound), http.StatusConflict},
		{devloop.ErrNoProvider, http.StatusServiceUnavailable},
		{&action.ValidationError{Index: 1, Reason: "bad"}, http.StatusUnprocessableEntity},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			h, svc := setupTestServer(t)
			svc.err = tt.err
			w := do(t, h, "POST", "/api/v1/propose", `{"prompt":"x"}`)
			assert.Equal(t, tt.code, w.Code)
			assert.Equal(t, tt.err.Error(), decode[map[string]string](t, w)["error"])
		})
	}
}

func TestApply(t *testing.T) {
	h, svc := setupTestServer(t)
	batch := `{"actions":[{"action":"CREATE","file_path":"dev/a.js","content":"a"}]}`

	w := do(t, h, "POST", "/api/v1/apply?label=hotfix", batch)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"hotfix"}, svc.labels)
	assert.Equal(t, []string{batch}, svc.raw)

	w = do(t, h, "POST", "/api/v1/apply", `{"actions":[{"action":"DELETE"}]}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "api apply", svc.labels[1])
}

func TestResolutionRoutes(t *testing.T) {
	h, svc := setupTestServer(t)
	for _, op := range []string{"approve", "rollback", "undo", "confirm"} {
		w := do(t, h, "POST", "/api/v1/"+op, "")
		assert.Equal(t, http.StatusOK, w.Code, op)
		assert.Equal(t, op+" ok", decode[promote.Result](t, w).Message)
	}
	assert.Equal(t, []string{"approve", "rollback", "undo", "confirm"}, svc.resolved)
}

func TestResolution_NothingStaged(t *testing.T) {
	h, svc := setupTestServer(t)
	svc.err = promote.ErrNothingStaged

	w := do(t, h, "POST", "/api/v1/undo", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, "nothing staged", body["error"])
	assert.NotNil(t, body["result"])
}

func TestDiff(t *testing.T) {
	h, _ := setupTestServer(t)

	w := do(t, h, "GET", "/api/v1/diff?stat=true", "")
	assert.Equal(t, http.StatusOK, w.Code)
	d := decode[devloop.DiffResult](t, w)
	assert.Equal(t, "stat=true", d.Diff)
	assert.Equal(t, []string{"new.js"}, d.Untracked)
}

func TestRounds(t *testing.T) {
	h, svc := setupTestServer(t)
	svc.rounds = []*models.Round{{ID: "r2"}, {ID: "r1"}}

	w := do(t, h, "GET", "/api/v1/rounds", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]*models.Round](t, w), 2)

	do(t, h, "GET", "/api/v1/rounds?limit=5", "")
	do(t, h, "GET", "/api/v1/rounds?limit=abc", "")
	assert.Equal(t, []int{20, 5, 20}, svc.limits)
}

func TestPromotionsAndHistory(t *testing.T) {
	h, _ := setupTestServer(t)

	w := do(t, h, "GET", "/api/v1/promotions", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]*models.Promotion](t, w), 1)

	w = do(t, h, "GET", "/api/v1/history", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]*models.Message](t, w), 1)

	w = do(t, h, "POST", "/api/v1/history/clear", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(4), decode[map[string]int64](t, w)["cleared"])
}

func TestServers(t *testing.T) {
	h, svc := setupTestServer(t)

	w := do(t, h, "GET", "/api/v1/servers", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]process.Status](t, w), 1)

	w = do(t, h, "POST", "/api/v1/servers/backend_dev/start?force=true", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"backend force=true"}, svc.started)

	svc.outcome = process.TimedOut
	w = do(t, h, "POST", "/api/v1/servers/dev/start", "")
	assert.Equal(t, http.StatusBadGateway, w.Code)

	w = do(t, h, "POST", "/api/v1/servers/dev/stop", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []process.Kind{process.Dev}, svc.stopped)

	w = do(t, h, "POST", "/api/v1/servers/db/start", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCORS(t *testing.T) {
	h, _ := setupTestServer(t)

	w := do(t, h, "OPTIONS", "/api/v1/rounds", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestSetup(t *testing.T) {
	h, svc := setupTestServer(t)

	w := do(t, h, "POST", "/api/v1/setup?start=true", "")
	assert.Equal(t, http.StatusOK, w.Code)
	res := decode[devloop.SetupResult](t, w)
	require.Len(t, res.Workspaces, 1)
	assert.True(t, res.Workspaces[0].Initialized)
	assert.Equal(t, process.Ready, res.Servers[process.Dev])

	w = do(t, h, "POST", "/api/v1/setup", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []bool{true, false}, svc.setups)
}

func TestSetup_FailureKeepsPartialResult(t *testing.T) {
	h, svc := setupTestServer(t)
	svc.err = fmt.Errorf("setup backend_dev: npm install failed")

	w := do(t, h, "POST", "/api/v1/setup", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	body := decode[struct {
		Error  string              `json:"error"`
		Result devloop.SetupResult `json:"result"`
	}](t, w)
	assert.Contains(t, body.Error, "npm install failed")
	assert.Len(t, body.Result.Workspaces, 1)
}

func TestReset(t *testing.T) {
	h, svc := setupTestServer(t)
	w := do(t, h, "POST", "/api/v1/reset", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, svc.resets)
}

func TestReload(t *testing.T) {
	old := &fakeService{outcome: process.Ready}
	srv := NewServer(old, slog.New(slog.NewTextHandler(io.Discard, nil)))
	h := srv.Router()

	w := do(t, h, "POST", "/api/v1/reload", "")
	assert.Equal(t, http.StatusNotImplemented, w.Code)
	assert.Zero(t, old.resets)

	next := &fakeService{outcome: process.Ready}
	srv.OnReload(func(context.Context) (Service, error) { return next, nil })
	w = do(t, h, "POST", "/api/v1/reload", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, old.resets)

	do(t, h, "POST", "/api/v1/approve", "")
	assert.Empty(t, old.resolved)
	assert.Equal(t, []string{"approve"}, next.resolved)
}

func TestReload_FailureKeepsService(t *testing.T) {
	old := &fakeService{outcome: process.Ready}
	srv := NewServer(old, slog.New(slog.NewTextHandler(io.Discard, nil)))
	srv.OnReload(func(context.Context) (Service, error) { return nil, fmt.Errorf("invalid configuration") })
	h := srv.Router()

	w := do(t, h, "POST", "/api/v1/reload", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	do(t, h, "POST", "/api/v1/undo", "")
	assert.Equal(t, []string{"undo"}, old.resolved)
}
