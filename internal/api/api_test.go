package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	ws "nhooyr.io/websocket"

	"github.com/friendsincode/crybkeys/internal/anomaly"
	"github.com/friendsincode/crybkeys/internal/audit"
	"github.com/friendsincode/crybkeys/internal/auth"
	"github.com/friendsincode/crybkeys/internal/events"
	"github.com/friendsincode/crybkeys/internal/lifecycle"
	"github.com/friendsincode/crybkeys/internal/models"
	"github.com/friendsincode/crybkeys/internal/ratelimit"
	"github.com/friendsincode/crybkeys/internal/store"
	"github.com/friendsincode/crybkeys/internal/usage"
	"github.com/friendsincode/crybkeys/internal/validation"
)

var jwtSecret = []byte("api-test-secret")

type testServer struct {
	t        *testing.T
	router   chi.Router
	bus      *events.Bus
	recorder *usage.Recorder
	orch     *validation.Orchestrator
	auditSvc *audit.Service
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(models.AllModels()...); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	// counters run on a fixed mid-minute clock so budgets never roll over mid-test
	fixed := time.Date(2026, 5, 4, 12, 0, 30, 0, time.UTC)
	clock := func() time.Time { return fixed }

	bus := events.NewBus()
	keys := store.NewGormCredentialStore(db)
	counters := store.NewMemoryCounterStore().WithClock(clock)
	manager := lifecycle.NewManager(keys, nil, nil, bus, lifecycle.DefaultPolicy(), zerolog.Nop())
	limiter := ratelimit.New(counters, ratelimit.DefaultConfig()).WithClock(clock)
	detector := anomaly.NewDetector(counters, keys, bus, anomaly.DefaultConfig(), zerolog.Nop())
	recorder := usage.NewRecorder(db, keys, usage.DefaultConfig(), zerolog.Nop())
	orch := validation.New(validation.Deps{
		Keys:    keys,
		Limiter: limiter,
		Anomaly: detector,
		Usage:   recorder,
	}, validation.Config{Timeout: time.Second}, zerolog.Nop())
	t.Cleanup(orch.Wait)

	auditSvc := audit.NewService(db, bus, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		auditSvc.Start(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	<-auditSvc.Started()

	a := New(Deps{
		Manager:   manager,
		Validator: orch,
		Limiter:   limiter,
		Usage:     recorder,
		Keys:      keys,
		Detector:  detector,
		Audit:     auditSvc,
		Bus:       bus,
	}, jwtSecret, false, zerolog.Nop())

	r := chi.NewRouter()
	a.Routes(r)
	return &testServer{t: t, router: r, bus: bus, recorder: recorder, orch: orch, auditSvc: auditSvc}
}

func bearer(t *testing.T, userID string, roles ...string) string {
	t.Helper()
	token, err := auth.Issue(jwtSecret, auth.Claims{UserID: userID, Roles: roles}, time.Hour)
	if err != nil {
		t.Fatalf("issue jwt: %v", err)
	}
	return token
}

func (s *testServer) do(method, path, jwt string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			s.t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if jwt != "" {
		req.Header.Set("Authorization", "Bearer "+jwt)
	}
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	return rr
}

func (s *testServer) whoami(apiKey string) *httptest.ResponseRecorder {
	s.t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/whoami", nil)
	req.Header.Set(auth.APIKeyHeader, apiKey)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	s.orch.Wait()
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return out
}

type issued struct {
	Key struct {
		ID      string   `json:"id"`
		OwnerID string   `json:"owner_id"`
		Scopes  []string `json:"scopes"`
	} `json:"key"`
	Token string `json:"token"`
}

func (s *testServer) createKey(jwt string, body map[string]any) issued {
	s.t.Helper()
	rr := s.do(http.MethodPost, "/api/v1/keys", jwt, body)
	if rr.Code != http.StatusCreated {
		s.t.Fatalf("create: expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	return decode[issued](s.t, rr)
}

func TestKeyLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)
	owner := bearer(t, "owner-1")

	created := s.createKey(owner, map[string]any{
		"name":   "ci",
		"scopes": []string{"read"},
	})
	if created.Token == "" || created.Key.OwnerID != "owner-1" {
		t.Fatalf("unexpected create response %+v", created)
	}

	list := s.do(http.MethodGet, "/api/v1/keys", owner, nil)
	if list.Code != http.StatusOK {
		t.Fatalf("list: %d", list.Code)
	}
	if strings.Contains(list.Body.String(), created.Token) || strings.Contains(list.Body.String(), "b2$") {
		t.Fatal("listing must not expose the token or its hash")
	}

	rr := s.whoami(created.Token)
	if rr.Code != http.StatusOK {
		t.Fatalf("whoami: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if rr.Header().Get(auth.HeaderRateLimitRemaining) == "" {
		t.Fatal("expected rate limit headers")
	}
	who := decode[map[string]any](t, rr)
	if who["key_id"] != created.Key.ID || who["owner_id"] != "owner-1" {
		t.Fatalf("unexpected whoami %v", who)
	}

	rotate := s.do(http.MethodPost, "/api/v1/keys/"+created.Key.ID+"/rotate", owner, nil)
	if rotate.Code != http.StatusOK {
		t.Fatalf("rotate: %d body=%s", rotate.Code, rotate.Body.String())
	}
	rotated := decode[issued](t, rotate)
	if rotated.Token == created.Token || rotated.Key.ID != created.Key.ID {
		t.Fatal("rotation should keep the id and change the token")
	}
	if rr := s.whoami(created.Token); rr.Code != http.StatusUnauthorized {
		t.Fatalf("old token: expected 401, got %d", rr.Code)
	}
	if rr := s.whoami(rotated.Token); rr.Code != http.StatusOK {
		t.Fatalf("new token: expected 200, got %d", rr.Code)
	}

	revoke := s.do(http.MethodPost, "/api/v1/keys/"+created.Key.ID+"/revoke", owner, map[string]string{"reason": "leaked"})
	if revoke.Code != http.StatusOK {
		t.Fatalf("revoke: %d", revoke.Code)
	}
	rr = s.whoami(rotated.Token)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("revoked: expected 401, got %d", rr.Code)
	}
	if body := decode[map[string]string](t, rr); body["error"] != string(validation.CodeKeyInactive) {
		t.Fatalf("revoked: unexpected body %v", body)
	}

	if rr := s.do(http.MethodDelete, "/api/v1/keys/"+created.Key.ID, owner, nil); rr.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rr.Code)
	}
	if rr := s.do(http.MethodGet, "/api/v1/keys/"+created.Key.ID, owner, nil); rr.Code != http.StatusNotFound {
		t.Fatalf("get after delete: %d", rr.Code)
	}
}

func TestWhoamiRateLimited(t *testing.T) {
	s := newTestServer(t)
	created := s.createKey(bearer(t, "owner-1"), map[string]any{
		"name":       "limited",
		"scopes":     []string{"read"},
		"rate_limit": map[string]int{"requests_per_minute": 2},
	})

	for i := 0; i < 2; i++ {
		if rr := s.whoami(created.Token); rr.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rr.Code)
		}
	}
	rr := s.whoami(created.Token)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if rr.Header().Get(auth.HeaderRetryAfter) != "30" {
		t.Fatalf("Retry-After = %q", rr.Header().Get(auth.HeaderRetryAfter))
	}
}

func TestOtherOwnersKeysAreHidden(t *testing.T) {
	s := newTestServer(t)
	created := s.createKey(bearer(t, "owner-1"), map[string]any{"name": "a", "scopes": []string{"read"}})
	path := "/api/v1/keys/" + created.Key.ID

	if rr := s.do(http.MethodGet, path, bearer(t, "owner-2"), nil); rr.Code != http.StatusNotFound {
		t.Fatalf("other owner: expected 404, got %d", rr.Code)
	}
	if rr := s.do(http.MethodPost, path+"/revoke", bearer(t, "owner-2"), nil); rr.Code != http.StatusNotFound {
		t.Fatalf("other owner revoke: expected 404, got %d", rr.Code)
	}
	if rr := s.do(http.MethodGet, path, bearer(t, "root", auth.RoleAdmin), nil); rr.Code != http.StatusOK {
		t.Fatalf("admin: expected 200, got %d", rr.Code)
	}
	if rr := s.do(http.MethodGet, "/api/v1/keys?owner_id=owner-1", bearer(t, "owner-2"), nil); rr.Code != http.StatusForbidden {
		t.Fatalf("list other owner: expected 403, got %d", rr.Code)
	}
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	s := newTestServer(t)
	owner := bearer(t, "owner-1")

	tests := []struct {
		name string
		body map[string]any
		code string
	}{
		{"no scopes", map[string]any{"name": "x"}, "invalid_request"},
		{"unknown scope", map[string]any{"name": "x", "scopes": []string{"superuser"}}, "invalid_request"},
		{"ttl over max", map[string]any{"name": "x", "scopes": []string{"read"}, "expires_in_days": 5000}, "invalid_request"},
		{"bad ip", map[string]any{"name": "x", "scopes": []string{"read"}, "ip_whitelist": []string{"not-an-ip"}}, "invalid_request"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := s.do(http.MethodPost, "/api/v1/keys", owner, tc.body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d body=%s", rr.Code, rr.Body.String())
			}
			if body := decode[map[string]string](t, rr); body["error"] != tc.code || body["message"] == "" {
				t.Fatalf("unexpected body %v", body)
			}
		})
	}

	if rr := s.do(http.MethodPost, "/api/v1/keys", "", map[string]any{"name": "x"}); rr.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated: expected 401, got %d", rr.Code)
	}
	if rr := s.do(http.MethodPost, "/api/v1/keys", owner, map[string]any{"name": "x", "scopes": []string{"read"}, "owner_id": "someone"}); rr.Code != http.StatusForbidden {
		t.Fatalf("foreign owner: expected 403, got %d", rr.Code)
	}
}

func TestUpdateChangesScopes(t *testing.T) {
	s := newTestServer(t)
	owner := bearer(t, "owner-1")
	created := s.createKey(owner, map[string]any{"name": "a", "scopes": []string{"read"}})

	rr := s.do(http.MethodPatch, "/api/v1/keys/"+created.Key.ID, owner, map[string]any{"scopes": []string{"read", "write"}})
	if rr.Code != http.StatusOK {
		t.Fatalf("patch: %d body=%s", rr.Code, rr.Body.String())
	}
	body := decode[map[string]any](t, rr)
	scopes, _ := body["scopes"].([]any)
	if len(scopes) != 2 {
		t.Fatalf("unexpected scopes %v", body["scopes"])
	}

	if rr := s.do(http.MethodPatch, "/api/v1/keys/"+created.Key.ID, owner, map[string]any{"scopes": []string{}}); rr.Code != http.StatusBadRequest {
		t.Fatalf("empty scopes: expected 400, got %d", rr.Code)
	}
}

func TestValidateEndpointReportsOutcome(t *testing.T) {
	s := newTestServer(t)
	owner := bearer(t, "owner-1")
	created := s.createKey(owner, map[string]any{"name": "a", "scopes": []string{"read"}})

	rr := s.do(http.MethodPost, "/api/v1/keys/validate", owner, map[string]string{"key": created.Token, "scope": "write"})
	s.orch.Wait()
	if rr.Code != http.StatusOK {
		t.Fatalf("validate: %d body=%s", rr.Code, rr.Body.String())
	}
	res := decode[map[string]any](t, rr)
	if res["allowed"] != false || res["code"] != string(validation.CodeAccessDenied) || res["reason"] == "" {
		t.Fatalf("unexpected result %v", res)
	}

	rr = s.do(http.MethodPost, "/api/v1/keys/validate", owner, map[string]string{"key": created.Token, "scope": "read"})
	s.orch.Wait()
	if res := decode[map[string]any](t, rr); res["allowed"] != true {
		t.Fatalf("expected allowed, got %v", res)
	}

	rr = s.do(http.MethodPost, "/api/v1/keys/validate", bearer(t, "owner-2"), map[string]string{"key": created.Token})
	s.orch.Wait()
	if res := decode[map[string]any](t, rr); res["code"] != string(validation.CodeUnknownKey) {
		t.Fatalf("other owner should see unknown key, got %v", res)
	}

	rr = s.do(http.MethodPost, "/api/v1/keys/validate", owner, map[string]string{"key": "garbage"})
	if res := decode[map[string]any](t, rr); res["code"] != string(validation.CodeMalformedToken) {
		t.Fatalf("expected malformed, got %v", res)
	}
}

func TestUsageAndStats(t *testing.T) {
	s := newTestServer(t)
	owner := bearer(t, "owner-1")
	created := s.createKey(owner, map[string]any{"name": "a", "scopes": []string{"read"}})

	for i := 0; i < 3; i++ {
		s.whoami(created.Token)
	}
	if err := s.recorder.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	rr := s.do(http.MethodGet, "/api/v1/keys/"+created.Key.ID+"/usage", owner, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("usage: %d body=%s", rr.Code, rr.Body.String())
	}
	var got struct {
		Usage struct {
			TotalRequests int64            `json:"total_requests"`
			StatusCodes   map[string]int64 `json:"status_codes"`
		} `json:"usage"`
		RateLimit map[string]any `json:"rate_limit"`
		LastUsed  *time.Time     `json:"last_used_at"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Usage.TotalRequests != 3 || got.Usage.StatusCodes["200"] != 3 {
		t.Fatalf("unexpected usage %+v", got.Usage)
	}
	if got.RateLimit == nil || got.LastUsed == nil {
		t.Fatalf("expected rate limit status and last used, got %s", rr.Body.String())
	}

	if rr := s.do(http.MethodGet, "/api/v1/stats", owner, nil); rr.Code != http.StatusForbidden {
		t.Fatalf("stats as owner: expected 403, got %d", rr.Code)
	}
	rr = s.do(http.MethodGet, "/api/v1/stats", bearer(t, "root", auth.RoleAdmin), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("stats: %d body=%s", rr.Code, rr.Body.String())
	}
	var stats struct {
		Keys  store.KeyStats `json:"keys"`
		Usage usage.Totals   `json:"usage"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Keys.Total != 1 || stats.Keys.Active != 1 || stats.Usage.TotalRequests != 3 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestAuditListRecordsLifecycle(t *testing.T) {
	s := newTestServer(t)
	owner := bearer(t, "owner-1")
	admin := bearer(t, "root", auth.RoleAdmin)
	created := s.createKey(owner, map[string]any{"name": "a", "scopes": []string{"read"}})

	deadline := time.Now().Add(2 * time.Second)
	for {
		rr := s.do(http.MethodGet, "/api/v1/audit?key_id="+created.Key.ID, admin, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("audit: %d", rr.Code)
		}
		var body struct {
			AuditLogs []auditLogResponse `json:"audit_logs"`
			Total     int64              `json:"total"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.Total > 0 {
			entry := body.AuditLogs[0]
			if entry.Action != string(models.AuditActionAPIKeyCreate) || entry.ActorID == nil || *entry.ActorID != "owner-1" {
				t.Fatalf("unexpected audit entry %+v", entry)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("audit entry never recorded")
		}
		time.Sleep(20 * time.Millisecond)
	}

	if rr := s.do(http.MethodGet, "/api/v1/audit", owner, nil); rr.Code != http.StatusForbidden {
		t.Fatalf("audit as owner: expected 403, got %d", rr.Code)
	}
}

func TestSecurityEventsStream(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + auth.SecurityEventsPath + "?token=" + bearer(t, "root", auth.RoleAdmin)
	conn, _, err := ws.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(ws.StatusNormalClosure, "")

	received := make(chan map[string]any, 1)
	go func() {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg map[string]any
		if json.Unmarshal(data, &msg) == nil {
			received <- msg
		}
	}()

	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		s.bus.Publish(events.EventSecuritySuspicious, events.Payload{"key_id": "k1"})
		select {
		case msg := <-received:
			if msg["type"] != string(events.EventSecuritySuspicious) {
				t.Fatalf("unexpected message %v", msg)
			}
			return
		case <-tick.C:
		case <-ctx.Done():
			t.Fatal("no event received")
		}
	}
}

func TestSecurityEventsRequiresAdmin(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, auth.SecurityEventsPath, nil)
	req.Header.Set("Authorization", "Bearer "+bearer(t, "owner-1"))
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}

func TestHealthAndVersion(t *testing.T) {
	s := newTestServer(t)
	if rr := s.do(http.MethodGet, "/healthz", "", nil); rr.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rr.Code)
	}
	rr := s.do(http.MethodGet, "/version", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("version: %d", rr.Code)
	}
	if body := decode[map[string]any](t, rr); body["version"] == "" {
		t.Fatalf("unexpected version body %v", body)
	}
}

func TestServiceErrorStatus(t *testing.T) {
	a := &API{logger: zerolog.Nop()}
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("create key: %w", store.ErrConflict), http.StatusConflict, "conflict"},
		{fmt.Errorf("create key: %w", store.ErrNotFound), http.StatusNotFound, "not_found"},
		{fmt.Errorf("create key: %w", store.ErrUnavailable), http.StatusServiceUnavailable, "store_unavailable"},
		{fmt.Errorf("%w: name is required", lifecycle.ErrInvalidRequest), http.StatusBadRequest, "invalid_request"},
	}
	for _, tc := range tests {
		rr := httptest.NewRecorder()
		a.writeServiceError(rr, tc.err, "create_key")
		if rr.Code != tc.status {
			t.Fatalf("%v: status %d, want %d", tc.err, rr.Code, tc.status)
		}
		if body := decode[map[string]string](t, rr); body["error"] != tc.code {
			t.Fatalf("%v: error code %q, want %q", tc.err, body["error"], tc.code)
		}
	}
}
