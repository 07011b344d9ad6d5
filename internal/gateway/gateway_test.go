// ABOUTME: Tests for the gateway orchestrator: readiness, version, recovery and run lifecycle
// ABOUTME: Shares the test harness used by the API and stream tests

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-sessions/internal/api"
	"github.com/2389/coven-sessions/internal/config"
	"github.com/2389/coven-sessions/internal/content"
	"github.com/2389/coven-sessions/internal/conversation"
	"github.com/2389/coven-sessions/internal/recovery"
	"github.com/2389/coven-sessions/internal/runner"
	"github.com/2389/coven-sessions/internal/store"
)

const testSecret = "test-secret-that-is-at-least-32-bytes"

// holdModel never finishes on its own, so its conversations stay working.
const holdModel = "hold"

type harness struct {
	gw  *Gateway
	srv *httptest.Server
	st  store.Store
}

func testConfig(t *testing.T, extra string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(fmt.Sprintf(`
database:
  path: %q
runner:
  default_model: %q
sessions:
  cancel_timeout: "2s"
metrics:
  enabled: true
%s`, filepath.Join(t.TempDir(), "sessions.db"), runner.PredictableModel, extra)))
	require.NoError(t, err)
	return cfg
}

func testRunners() *runner.Registry {
	reg := runner.NewRegistry(runner.PredictableModel)
	reg.Register(runner.PredictableModel, runner.NewScripted(runner.Echo(0)))
	reg.Register(holdModel, runner.NewScripted(runner.Fixed(runner.Step{Hold: true, Event: runner.AgentText("stopped")})))
	return reg
}

// newHarness builds a recovered gateway behind an httptest server. extra is
// appended to the YAML config.
func newHarness(t *testing.T, extra string, opts ...Option) *harness {
	t.Helper()
	st := store.NewMemoryStore()
	opts = append([]Option{WithStore(st), WithRunners(testRunners())}, opts...)

	gw, err := New(testConfig(t, extra), "test", nil, opts...)
	require.NoError(t, err)

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
	})

	_, err = gw.Recover(t.Context())
	require.NoError(t, err)
	return &harness{gw: gw, srv: srv, st: st}
}

// do sends a JSON request and decodes a JSON response into out when non-nil.
func (h *harness) do(t *testing.T, method, path string, body, out any) *http.Response {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(t.Context(), method, h.srv.URL+path, rdr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out), "decoding %s %s", method, path)
	}
	return resp
}

func (h *harness) newConversation(t *testing.T, message, model string) *api.Conversation {
	t.Helper()
	var resp api.NewConversationResponse
	r := h.do(t, http.MethodPost, "/api/conversations/new", api.NewConversationRequest{Message: message, Model: model}, &resp)
	require.Equal(t, http.StatusCreated, r.StatusCode)
	return resp.Conversation
}

func (h *harness) get(t *testing.T, id string) *api.ConversationResponse {
	t.Helper()
	var resp api.ConversationResponse
	r := h.do(t, http.MethodGet, "/api/conversation/"+id, nil, &resp)
	require.Equal(t, http.StatusOK, r.StatusCode)
	return &resp
}

func (h *harness) waitIdle(t *testing.T, id string) *api.ConversationResponse {
	t.Helper()
	var last *api.ConversationResponse
	require.Eventually(t, func() bool {
		last = h.get(t, id)
		return !last.AgentWorking
	}, 2*time.Second, 10*time.Millisecond)
	return last
}

func TestFingerprint(t *testing.T) {
	a, b := Fingerprint("dev"), Fingerprint("dev")
	assert.True(t, strings.HasPrefix(a, "dev-"))
	assert.NotEqual(t, a, b, "each dev process gets its own fingerprint")
	assert.Equal(t, "v1.4.0", Fingerprint("v1.4.0"))
}

func TestReady_UnavailableUntilRecovered(t *testing.T) {
	gw, err := New(testConfig(t, ""), "v1.4.0", nil, WithStore(store.NewMemoryStore()), WithRunners(testRunners()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })
	h := gw.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "liveness does not wait for recovery")

	_, err = gw.Recover(t.Context())
	require.NoError(t, err)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestVersion(t *testing.T) {
	h := newHarness(t, "")

	var v api.VersionResponse
	r := h.do(t, http.MethodGet, "/version", nil, &v)
	assert.Equal(t, http.StatusOK, r.StatusCode)
	assert.Equal(t, "test", v.Version)
	assert.Equal(t, h.gw.BuildFingerprint(), v.BuildFingerprint)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, "")

	r := h.do(t, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, r.StatusCode)
}

func TestRecover_RepairsInterruptedConversationBeforeServing(t *testing.T) {
	st := store.NewMemoryStore()
	conv := &store.Conversation{Model: runner.PredictableModel}
	require.NoError(t, st.CreateConversation(t.Context(), conv, "crashed mid tool"))
	_, err := st.Append(t.Context(), conv.ID, &store.NewMessage{Kind: content.KindUser, Content: []content.Block{content.Text("build it")}})
	require.NoError(t, err)
	_, err = st.Append(t.Context(), conv.ID, &store.NewMessage{Kind: content.KindAgent, Content: []content.Block{
		content.Text("Building."),
		content.Invocation("inv-1", "bash", json.RawMessage(`{"command":"make"}`)),
	}})
	require.NoError(t, err)
	require.NoError(t, st.SetAgentWorking(t.Context(), conv.ID, true))

	gw, err := New(testConfig(t, ""), "test", nil, WithStore(st), WithRunners(testRunners()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })

	report, err := gw.Recover(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Repaired)

	msgs, err := st.Read(t.Context(), conv.ID, 2)
	require.NoError(t, err)
	require.NotEmpty(t, msgs)
	assert.Equal(t, content.KindTool, msgs[0].Kind)
	results := content.Results(msgs[0].Content)
	require.Len(t, results, 1)
	assert.Equal(t, "inv-1", results[0].InvocationID)
	assert.True(t, results[0].IsError)
	assert.Equal(t, recovery.InterruptedResultText, results[0].OutputText())

	// The resumed run finishes the turn.
	assert.Eventually(t, func() bool {
		msgs, err := st.Read(t.Context(), conv.ID, 3)
		return err == nil && len(msgs) > 0 && msgs[len(msgs)-1].Kind == content.KindAgent
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRun_StopsOnCancel(t *testing.T) {
	gw, err := New(testConfig(t, "server:\n  http_addr: \"127.0.0.1:0\"\n"), "test", nil,
		WithStore(store.NewMemoryStore()), WithRunners(testRunners()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()

	assert.Eventually(t, gw.ready.Load, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, gw.ready.Load())
}

func TestRun_ListenFailureIsAnError(t *testing.T) {
	gw, err := New(testConfig(t, "server:\n  http_addr: \"256.0.0.1:bad\"\n"), "test", nil,
		WithStore(store.NewMemoryStore()), WithRunners(testRunners()))
	require.NoError(t, err)

	err = gw.Run(t.Context())
	assert.ErrorContains(t, err, "listening on HTTP address")
}

func TestNew_OpensSQLiteFromConfig(t *testing.T) {
	cfg := testConfig(t, "")
	gw, err := New(cfg, "test", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })

	assert.Equal(t, []string{runner.PredictableModel}, gw.runners.Models())
	assert.Nil(t, gw.runnerConn, "no remote runner configured")

	_, err = gw.Recover(t.Context())
	require.NoError(t, err)
	_, _, err = gw.Service().NewConversation(t.Context(), conversation.NewConversationRequest{Message: "persist me"})
	require.NoError(t, err)
}
