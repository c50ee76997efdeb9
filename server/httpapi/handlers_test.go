package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fwportal/settingdb/db"
	"github.com/fwportal/settingdb/pkg/configstore"
	"github.com/fwportal/settingdb/pkg/failover"
	"github.com/fwportal/settingdb/pkg/probe"
	"github.com/fwportal/settingdb/pkg/settings"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAPIKey = "test-api-key-12345"

type fakeFailover struct {
	report   failover.Report
	err      error
	got      failover.ActivateRequest
	restarts []string
}

func (f *fakeFailover) Status() failover.Report { return f.report }

func (f *fakeFailover) Activate(_ context.Context, req failover.ActivateRequest) (failover.Report, error) {
	f.got = req
	return f.report, f.err
}

func (f *fakeFailover) RequestRestart(reason string) uint64 {
	f.restarts = append(f.restarts, reason)
	f.report.RestartGeneration++
	return f.report.RestartGeneration
}

type fakeProber struct {
	result probe.Result
	got    db.DatabaseConfig
}

func (p *fakeProber) Test(_ context.Context, cfg db.DatabaseConfig, _ time.Duration) probe.Result {
	p.got = cfg
	return p.result
}

type fakeSettings struct {
	rows   []settings.Setting
	err    error
	filter settings.Filter
}

func (f *fakeSettings) List(_ context.Context, filter settings.Filter) ([]settings.Setting, error) {
	f.filter = filter
	return f.rows, f.err
}

type testEnv struct {
	server   *Server
	failover *fakeFailover
	prober   *fakeProber
	store    *configstore.SettingsStore
	settings *fakeSettings
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := configstore.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "store.sqlite"), "")
	require.NoError(t, err)
	t.Cleanup(store.Close)

	env := &testEnv{
		failover: &fakeFailover{report: failover.Report{
			Status:           failover.StatusPrimaryActive,
			PrimaryOnline:    true,
			ActiveConfigName: "settingdb",
		}},
		prober:   &fakeProber{result: probe.Result{Reachable: true, LatencyMs: 3}},
		store:    store,
		settings: &fakeSettings{},
	}
	env.server, err = New(ServerOptions{
		APIKey:   testAPIKey,
		Failover: env.failover,
		Store:    store,
		Prober:   env.prober,
		Settings: env.settings,
	})
	require.NoError(t, err)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	e.server.setupRoutes().ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp
}

func storedConfig(name string) db.DatabaseConfig {
	return db.DatabaseConfig{Name: name, Host: name + ".internal", Database: "portal", Username: "portal", Password: "pw-" + name}
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(ServerOptions{})
	assert.ErrorContains(t, err, "API key is required")

	_, err = New(ServerOptions{APIKey: "k"})
	assert.Error(t, err)
}

func TestRoutesRequireAuth(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest("GET", "/api/v1/status", nil)
	rr := httptest.NewRecorder()
	env.server.setupRoutes().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestStatusEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.failover.report.UsingFallback = true
	env.failover.report.ActiveConfigName = "fallback"

	rr := env.do(t, "GET", "/api/v1/status", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, true, body["using_fallback"])
	assert.Equal(t, "fallback", body["active_config_name"])
	assert.Contains(t, body, "primary_online")
}

func TestListConfigsHidesPasswords(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.Put(context.Background(), storedConfig("settingdb")))

	rr := env.do(t, "GET", "/api/v1/configs", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotContains(t, rr.Body.String(), "pw-settingdb")

	var list []db.ConfigSummary
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.True(t, list[0].HasPassword)
}

func TestListConfigsEmpty(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, "GET", "/api/v1/configs", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rr.Body.String()))
}

func TestGetConfig(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.Put(context.Background(), storedConfig("settingdb")))

	rr := env.do(t, "GET", "/api/v1/configs/settingdb", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var cfg db.DatabaseConfig
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &cfg))
	assert.Equal(t, "pw-settingdb", cfg.Password)

	rr = env.do(t, "GET", "/api/v1/configs/missing", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, db.KindNotFound, decodeError(t, rr).ErrorKind)
}

func TestPutConfig(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "POST", "/api/v1/configs/next",
		`{"host":"next.internal","database":"portal","username":"portal","password":"pw-next"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotContains(t, rr.Body.String(), "pw-next")

	stored, err := env.store.Get(context.Background(), "next")
	require.NoError(t, err)
	assert.Equal(t, "next.internal", stored.Host)
	assert.Equal(t, 5432, stored.Port)

	// Saving never activates.
	assert.Empty(t, env.failover.got.Name)
}

func TestPutConfigRejected(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.Put(context.Background(), storedConfig("settingdb")))

	tests := []struct {
		name  string
		path  string
		body  string
		field string
	}{
		{"missing host", "/api/v1/configs/next", `{"database":"portal","username":"portal"}`, "host"},
		{"name mismatch", "/api/v1/configs/next", `{"name":"other","host":"h","database":"d","username":"u"}`, "name"},
		{"replace without password", "/api/v1/configs/settingdb", `{"host":"h","database":"d","username":"u"}`, "password"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, "POST", tt.path, tt.body)
			require.Equal(t, http.StatusBadRequest, rr.Code)
			resp := decodeError(t, rr)
			assert.Equal(t, db.KindValidation, resp.ErrorKind)
			assert.Equal(t, tt.field, resp.Field)
		})
	}

	rr := env.do(t, "POST", "/api/v1/configs/next", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestTestConfig(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.Put(context.Background(), storedConfig("settingdb")))

	// Empty body tests the stored record.
	rr := env.do(t, "POST", "/api/v1/configs/settingdb/test", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "settingdb.internal", env.prober.got.Host)
	assert.JSONEq(t, `{"reachable":true,"latency_ms":3}`, rr.Body.String())

	env.prober.result = probe.Result{ErrorKind: db.KindAuthFailed, Message: "password authentication failed"}
	rr = env.do(t, "POST", "/api/v1/configs/candidate/test",
		`{"host":"candidate.internal","database":"portal","username":"portal","password":"pw-candidate"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "candidate", env.prober.got.Name)
	assert.JSONEq(t, `{"reachable":false,"latency_ms":0,"error_kind":"AuthFailed"}`, rr.Body.String())

	// Nothing was persisted.
	_, err := env.store.Get(context.Background(), "candidate")
	assert.ErrorIs(t, err, db.ErrConfigNotFound)

	rr = env.do(t, "POST", "/api/v1/configs/missing/test", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestActivateErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		kind   db.ErrorKind
	}{
		{"probe auth", &db.ActivationError{Step: "probe", Err: &db.ProbeError{Kind: db.KindAuthFailed}}, http.StatusUnprocessableEntity, db.KindAuthFailed},
		{"probe timeout", &db.ActivationError{Step: "probe", Err: &db.ProbeError{Kind: db.KindTimeout}}, http.StatusUnprocessableEntity, db.KindTimeout},
		{"probe unknown", &db.ActivationError{Step: "probe", Err: &db.ProbeError{Kind: db.KindUnknown}}, http.StatusUnprocessableEntity, db.KindUnknown},
		{"in progress", &db.ActivationError{Step: "lock", Err: fmt.Errorf("%w: busy", db.ErrActivationAborted)}, http.StatusConflict, db.KindActivationAborted},
		{"unknown name", &db.ActivationError{Step: "load", Err: fmt.Errorf("config %q: %w", "x", db.ErrConfigNotFound)}, http.StatusNotFound, db.KindNotFound},
		{"validation", &db.ValidationError{Field: "name", Reason: "must not be empty"}, http.StatusBadRequest, db.KindValidation},
		{"persistence", &db.ActivationError{Step: "persist", Err: &db.PersistenceError{Op: "put", Err: errors.New("disk full")}}, http.StatusInternalServerError, db.KindPersistence},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.failover.err = tt.err

			rr := env.do(t, "POST", "/api/v1/activate", `{"name":"x"}`)
			require.Equal(t, tt.status, rr.Code)
			resp := decodeError(t, rr)
			assert.Equal(t, tt.kind, resp.ErrorKind)
			require.NotNil(t, resp.Status)
			assert.Equal(t, "settingdb", resp.Status.ActiveConfigName)
		})
	}
}

func TestActivateSuccess(t *testing.T) {
	env := newTestEnv(t)
	env.failover.report.ActiveConfigName = "next"

	rr := env.do(t, "POST", "/api/v1/activate",
		`{"name":"next","config":{"host":"next.internal","database":"portal","username":"portal","password":"pw-next"}}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotContains(t, rr.Body.String(), "pw-next")

	assert.Equal(t, "next", env.failover.got.Name)
	require.NotNil(t, env.failover.got.Config)
	assert.Equal(t, "pw-next", env.failover.got.Config.Password)
	assert.Equal(t, "api:192.0.2.1", env.failover.got.ActivatedBy)
}

func TestActivateErrorRedacted(t *testing.T) {
	env := newTestEnv(t)
	env.failover.err = &db.ActivationError{Step: "probe", Err: &db.ProbeError{Kind: db.KindAuthFailed, Message: "rejected pw-next"}}

	rr := env.do(t, "POST", "/api/v1/activate",
		`{"name":"next","activated_by":"ops","config":{"host":"h","database":"d","username":"u","password":"pw-next"}}`)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.NotContains(t, rr.Body.String(), "pw-next")
	assert.Equal(t, "ops", env.failover.got.ActivatedBy)
}

func TestActivateBadBody(t *testing.T) {
	env := newTestEnv(t)
	assert.Equal(t, http.StatusBadRequest, env.do(t, "POST", "/api/v1/activate", "").Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, "POST", "/api/v1/activate", "[").Code)
}

func TestRestartEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "POST", "/api/v1/restart", `{"reason":"schema upgrade"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []string{"schema upgrade"}, env.failover.restarts)

	var report failover.Report
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &report))
	assert.Equal(t, uint64(1), report.RestartGeneration)

	rr = env.do(t, "POST", "/api/v1/restart", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, env.failover.restarts[1], "192.0.2.1")
}

func TestPoolsEndpointWithoutRegistry(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, "GET", "/api/v1/pools", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rr.Body.String()))
}

func TestSettingsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.settings.rows = []settings.Setting{{ID: 1, Category: "ui", KeyName: "theme", Value: json.RawMessage(`"dark"`)}}

	rr := env.do(t, "GET", "/api/v1/settings?category=ui&user_id=7", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ui", env.settings.filter.Category)
	require.NotNil(t, env.settings.filter.UserID)
	assert.Equal(t, int32(7), *env.settings.filter.UserID)
	assert.Nil(t, env.settings.filter.MandantID)
	assert.Contains(t, rr.Body.String(), `"key_name":"theme"`)

	rr = env.do(t, "GET", "/api/v1/settings?mandant_id=abc", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	env.settings.err = fmt.Errorf("list settings: %w", db.ErrPoolUnavailable)
	rr = env.do(t, "GET", "/api/v1/settings", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, db.KindPoolUnavailable, decodeError(t, rr).ErrorKind)
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)
	assert.Equal(t, http.StatusMethodNotAllowed, env.do(t, "DELETE", "/api/v1/status", "").Code)
}
