package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xpress/internal/completion"
	"github.com/xpress/internal/completion/completiontest"
	"github.com/xpress/internal/identity"
	"github.com/xpress/internal/settings"
	"github.com/xpress/internal/sessions"
)

type testServer struct {
	srv   *Server
	token string
}

func newTestServer(t *testing.T, client completion.Client, opts ...ServerOption) *testServer {
	t.Helper()
	verifier := identity.NewVerifier("test-secret")
	token, err := verifier.Sign(identity.User{ID: "u1", Email: "writer@example.com", FullName: "Jess"}, time.Hour)
	require.NoError(t, err)

	deps := Deps{
		Sessions: sessions.NewInMemoryStore(),
		Settings: settings.NewResolver(settings.NewInMemoryStore(), settings.Defaults{Credential: "sk-default"}),
		Client:   client,
	}
	opts = append([]ServerOption{WithRateLimit(1000, 1000)}, opts...)
	srv := NewServer(0, verifier, deps, opts...)
	t.Cleanup(srv.hub.Close)
	return &testServer{srv: srv, token: token}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, "/api/v1"+path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+ts.token)
	rec := httptest.NewRecorder()
	ts.srv.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) sessions(t *testing.T) sessionListResponse {
	t.Helper()
	rec := ts.do(t, http.MethodGet, "/sessions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp sessionListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestHealthAndAuth(t *testing.T) {
	ts := newTestServer(t, completiontest.New())

	rec := httptest.NewRecorder()
	ts.srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	ts.srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSessionLifecycle(t *testing.T) {
	ts := newTestServer(t, completiontest.New())

	list := ts.sessions(t)
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, "Session 1", list.Sessions[0].Label)
	first := list.Selected

	rec := ts.do(t, http.MethodDelete, "/sessions/"+first, "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodPost, "/sessions", `{}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created sessions.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "Session 2", created.Label)
	assert.Equal(t, created.ID, ts.sessions(t).Selected)

	rec = ts.do(t, http.MethodPost, "/sessions/"+first+"/select", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, first, ts.sessions(t).Selected)

	rec = ts.do(t, http.MethodDelete, "/sessions/"+created.ID, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Len(t, ts.sessions(t).Sessions, 1)

	rec = ts.do(t, http.MethodPost, "/sessions/missing/select", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubmitStreamsEvents(t *testing.T) {
	ts := newTestServer(t, completiontest.New(completiontest.Script{Fragments: []string{"Hel", "lo, ", "world"}}))
	sid := ts.sessions(t).Selected

	rec := ts.do(t, http.MethodPost, "/sessions/"+sid+"/panes/research/submit", `{"input":"Say hello"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, "event: delta")
	assert.Contains(t, body, "event: done")
	assert.Contains(t, body, `"content":"Hello, world"`)

	rec = ts.do(t, http.MethodGet, "/sessions/"+sid+"/panes/research/messages", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var pane paneResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pane))
	assert.Equal(t, "idle", strings.ToLower(pane.State))
	require.Len(t, pane.Messages, 2)
	assert.Equal(t, "Say hello", pane.Messages[0].Content)
	assert.Equal(t, "Hello, world", pane.Messages[1].Content)

	rec = ts.do(t, http.MethodGet, "/sessions/"+sid+"/panes/writer/messages", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pane))
	assert.Empty(t, pane.Messages)
}

func TestSubmitReportsFailure(t *testing.T) {
	ts := newTestServer(t, completiontest.New(completiontest.Script{Fragments: []string{"partial"}, Err: assert.AnError}))
	sid := ts.sessions(t).Selected

	rec := ts.do(t, http.MethodPost, "/sessions/"+sid+"/panes/writer/submit", `{"input":"Draft a headline"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "event: error")
}

func TestSubmitPreconditions(t *testing.T) {
	ts := newTestServer(t, completiontest.New())
	sid := ts.sessions(t).Selected

	rec := ts.do(t, http.MethodPost, "/sessions/"+sid+"/panes/research/submit", `{"input":"   "}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(t, http.MethodPost, "/sessions/"+sid+"/panes/sidebar/submit", `{"input":"hi"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/sessions", `{"label":"Other"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(t, http.MethodPost, "/sessions/"+sid+"/panes/research/submit", `{"input":"hi"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSettingsAreMasked(t *testing.T) {
	ts := newTestServer(t, completiontest.New())
	sid := ts.sessions(t).Selected

	rec := ts.do(t, http.MethodPatch, "/sessions/"+sid+"/settings",
		`{"research_model":"gpt-4o","model_tokens":{"gpt-4o":"sk-live-1234567890"}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/sessions/"+sid+"/settings", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got settings.Settings
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "gpt-4o", got.ResearchModel)
	assert.Equal(t, settings.MaskSecret("sk-live-1234567890"), got.ModelTokens["gpt-4o"])
	assert.NotContains(t, rec.Body.String(), "sk-live-1234567890")

	rec = ts.do(t, http.MethodGet, "/sessions/unknown/settings", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDraftAndCanvas(t *testing.T) {
	ts := newTestServer(t, completiontest.New())
	sid := ts.sessions(t).Selected

	rec := ts.do(t, http.MethodPut, "/sessions/"+sid+"/draft", `{"draft":"Opening line"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var draft draftResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &draft))
	assert.True(t, draft.Synced)

	rec = ts.do(t, http.MethodPut, "/sessions/"+sid+"/canvas", `{"active":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"active":true,"draft":"Opening line"}`, rec.Body.String())
}

func TestRateLimitPerUser(t *testing.T) {
	ts := newTestServer(t, completiontest.New(), WithRateLimit(0.001, 1))

	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/sessions", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, ts.do(t, http.MethodGet, "/sessions", "").Code)
}

func TestErrorLogExport(t *testing.T) {
	ts := newTestServer(t, completiontest.New())

	rec := ts.do(t, http.MethodGet, "/logs/errors", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "error_logs.json")
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/models", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"models":[]}`, rec.Body.String())
}
