// SPDX-License-Identifier: MIT

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shiftcam/shiftcam/internal/auth"
	"github.com/shiftcam/shiftcam/internal/bus"
	"github.com/shiftcam/shiftcam/internal/command"
	"github.com/shiftcam/shiftcam/internal/directory"
	"github.com/shiftcam/shiftcam/internal/metrics"
	"github.com/shiftcam/shiftcam/internal/presence"
	"github.com/shiftcam/shiftcam/internal/session"
	"github.com/shiftcam/shiftcam/internal/token"
)

const (
	supervisorToken = "tok-supervisor"
	employeeToken   = "tok-employee"
)

type testEnv struct {
	srv     *Server
	handler http.Handler
	bus     *bus.MemoryBus
	ledger  *bus.MemoryLedger
	store   *session.SqliteStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := session.NewSqliteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	mb := bus.NewMemoryBus(zerolog.Nop())
	ledger := bus.NewMemoryLedger()
	dir := directory.NewStatic([]directory.Employee{
		{Email: "bob@example.com", Role: "employee", Active: true},
		{Email: "gone@example.com", Role: "employee", Active: false},
	})
	authn := auth.NewStaticAuthenticator([]auth.StaticUser{
		{Token: supervisorToken, Email: "alice@example.com", Roles: []string{auth.RoleSupervisor}},
		{Token: employeeToken, Email: "bob@example.com", Roles: []string{auth.RoleEmployee}},
	})

	srv := NewServer(Options{
		Auth:        authn,
		Dispatcher:  command.NewDispatcher(mb, ledger, dir),
		Ledger:      ledger,
		Sessions:    store,
		Broadcaster: presence.NewBroadcaster(mb),
		Hub:         presence.NewHub(mb, time.Minute),
		Issuer:      token.NewHMACIssuer("test-secret", "wss://livekit.local", time.Minute),
	})

	return &testEnv{
		srv:     srv,
		handler: srv.Router(RouterConfig{}),
		bus:     mb,
		ledger:  ledger,
		store:   store,
	}
}

func (e *testEnv) do(t *testing.T, method, path, tok string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestIssueCommandPersistsAndReturnsID(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/commands", supervisorToken, map[string]string{
		"command":       "START",
		"employeeEmail": "bob@example.com",
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	id, ok := decodeBody(t, rec)["commandId"].(string)
	require.True(t, ok)
	_, err := uuid.Parse(id)
	assert.NoError(t, err)

	pending, err := env.ledger.FetchPending(context.Background(), "bob@example.com")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, bus.CommandStart, pending[0].Type)
}

func TestIssueCommandValidation(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name string
		body map[string]string
	}{
		{"unknown command", map[string]string{"command": "PAUSE", "employeeEmail": "bob@example.com"}},
		{"bad email", map[string]string{"command": "START", "employeeEmail": "not-an-email"}},
		{"bad timestamp", map[string]string{"command": "START", "employeeEmail": "bob@example.com", "timestamp": "yesterday"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/commands", supervisorToken, tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestIssueCommandAuthz(t *testing.T) {
	env := newTestEnv(t)

	body := map[string]string{"command": "START", "employeeEmail": "bob@example.com"}

	rec := env.do(t, http.MethodPost, "/api/commands", "", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/commands", employeeToken, body)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestIssueCommandIneligibleTarget(t *testing.T) {
	env := newTestEnv(t)

	for _, email := range []string{"gone@example.com", "stranger@example.com"} {
		rec := env.do(t, http.MethodPost, "/api/commands", supervisorToken, map[string]string{
			"command":       "START",
			"employeeEmail": email,
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code, email)
	}
}

func TestAckCommands(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/commands", supervisorToken, map[string]string{
		"command":       "STOP",
		"employeeEmail": "bob@example.com",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	id := decodeBody(t, rec)["commandId"].(string)

	rec = env.do(t, http.MethodPost, "/api/commands/ack", employeeToken, map[string]any{"ids": []string{id}})
	require.Equal(t, http.StatusOK, rec.Code)

	pending, err := env.ledger.FetchPending(context.Background(), "bob@example.com")
	require.NoError(t, err)
	assert.Empty(t, pending)

	// acknowledging again is a no-op, not an error
	rec = env.do(t, http.MethodPost, "/api/commands/ack", employeeToken, map[string]any{"ids": []string{id}})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAckValidation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/commands/ack", employeeToken, map[string]any{"ids": []string{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/commands/ack", employeeToken, map[string]any{"ids": []string{"not-a-uuid"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	big := make([]string, maxAckBatch+1)
	for i := range big {
		big[i] = uuid.NewString()
	}
	rec = env.do(t, http.MethodPost, "/api/commands/ack", employeeToken, map[string]any{"ids": big})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPendingReturnsCallerCommands(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/commands", supervisorToken, map[string]string{
		"command":       "START",
		"employeeEmail": "bob@example.com",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/commands/pending", employeeToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	cmds := decodeBody(t, rec)["commands"].([]any)
	assert.Len(t, cmds, 1)

	// the supervisor has no commands addressed to them
	rec = env.do(t, http.MethodGet, "/api/commands/pending", supervisorToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody(t, rec)["commands"])
}

func TestBatchStatus(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.store.Start(context.Background(), "bob@example.com")
	require.NoError(t, err)

	rec := env.do(t, http.MethodPost, "/api/status/batch", supervisorToken, map[string]any{
		"emails": []string{"Bob@Example.com", "never@example.com"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	statuses := decodeBody(t, rec)["statuses"].([]any)
	require.Len(t, statuses, 2)
	first := statuses[0].(map[string]any)
	assert.Equal(t, "bob@example.com", first["email"])
	assert.Equal(t, true, first["hasActiveSession"])
	second := statuses[1].(map[string]any)
	assert.Equal(t, false, second["hasActiveSession"])
}

func TestBatchStatusValidation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/status/batch", supervisorToken, map[string]any{"emails": []string{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// duplicates are case-insensitive
	rec = env.do(t, http.MethodPost, "/api/status/batch", supervisorToken, map[string]any{
		"emails": []string{"bob@example.com", "BOB@example.com"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/status/batch", employeeToken, map[string]any{
		"emails": []string{"bob@example.com"},
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestConfirmSessionLifecycle(t *testing.T) {
	env := newTestEnv(t)

	sub, err := env.bus.Subscribe(context.Background(), "bob@example.com")
	require.NoError(t, err)
	defer sub.Close()

	rec := env.do(t, http.MethodPost, "/api/sessions/confirm", employeeToken, map[string]string{"status": "started"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, decodeBody(t, rec)["room"])

	select {
	case env2 := <-sub.C():
		require.Equal(t, bus.KindPresence, env2.Kind)
		assert.Equal(t, bus.StatusStarted, env2.Presence.Status)
	case <-time.After(time.Second):
		t.Fatal("no presence event after confirm")
	}

	// a second start conflicts while the first session is open
	rec = env.do(t, http.MethodPost, "/api/sessions/confirm", employeeToken, map[string]string{"status": "started"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/sessions/confirm", employeeToken, map[string]string{"status": "stopped", "reason": "shift-end"})
	require.Equal(t, http.StatusOK, rec.Code)

	select {
	case env2 := <-sub.C():
		assert.Equal(t, bus.StatusStopped, env2.Presence.Status)
	case <-time.After(time.Second):
		t.Fatal("no presence event after stop")
	}

	active, err := env.store.ActiveFor(context.Background(), "bob@example.com")
	require.NoError(t, err)
	assert.Nil(t, active)
}

func gaugeValue(t *testing.T, m interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	var out dto.Metric
	require.NoError(t, m.Write(&out))
	return out.GetGauge().GetValue()
}

func TestActiveStreamsGaugeTracksStore(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/sessions/confirm", employeeToken, map[string]string{"status": "started"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), gaugeValue(t, metrics.ActiveStreams))

	// repeated stops must not drag the gauge below the store's truth
	for i := 0; i < 2; i++ {
		rec = env.do(t, http.MethodPost, "/api/sessions/confirm", employeeToken, map[string]string{"status": "stopped"})
		require.Equal(t, http.StatusOK, rec.Code)
	}
	assert.Equal(t, float64(0), gaugeValue(t, metrics.ActiveStreams))

	n, err := env.store.ActiveCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, float64(n), gaugeValue(t, metrics.ActiveStreams))
}

func TestCredentials(t *testing.T) {
	env := newTestEnv(t)

	// not live yet
	rec := env.do(t, http.MethodGet, "/api/sessions/bob@example.com/credentials", supervisorToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	_, err := env.store.Start(context.Background(), "bob@example.com")
	require.NoError(t, err)

	rec = env.do(t, http.MethodGet, "/api/sessions/bob@example.com/credentials", supervisorToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.NotEmpty(t, body["token"])
	assert.Equal(t, "wss://livekit.local", body["livekitUrl"])

	// the employee can fetch their own credentials
	rec = env.do(t, http.MethodGet, "/api/sessions/bob@example.com/credentials", employeeToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// but not someone else's
	rec = env.do(t, http.MethodGet, "/api/sessions/alice@example.com/credentials", employeeToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestReassignSupervisor(t *testing.T) {
	env := newTestEnv(t)

	require.NoError(t, env.store.AssignSupervisor(context.Background(), "bob@example.com", "alice@example.com"))

	rec := env.do(t, http.MethodPost, "/api/supervisors/reassign", supervisorToken, map[string]any{
		"from":    "alice@example.com",
		"to":      "carol@example.com",
		"userIds": []string{"bob@example.com"},
	})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// a user not assigned to from rolls the whole batch back
	rec = env.do(t, http.MethodPost, "/api/supervisors/reassign", supervisorToken, map[string]any{
		"from":    "carol@example.com",
		"to":      "dave@example.com",
		"userIds": []string{"bob@example.com", "nobody@example.com"},
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDPropagates(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "fixed-id")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, "fixed-id", rec.Header().Get("X-Request-ID"))
}
