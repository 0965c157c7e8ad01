package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"secretmsg/internal/config"
	"secretmsg/internal/ratelimit"
	"secretmsg/internal/secrets"
	"secretmsg/internal/storage"
)

// newTinyLimiter never refills: two requests pass, the rest are limited.
func newTinyLimiter() *ratelimit.Limiter {
	return ratelimit.New(0, 2)
}

// memSecretsStore mirrors the postgres store's Consume semantics.
type memSecretsStore struct {
	mu      sync.Mutex
	secrets map[string]storage.Secret

	consumeCalls int
}

func newMemSecretsStore() *memSecretsStore {
	return &memSecretsStore{secrets: make(map[string]storage.Secret)}
}

func (m *memSecretsStore) Create(_ context.Context, s storage.Secret) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.secrets[s.ID]; ok {
		return storage.ErrDuplicateID
	}
	m.secrets[s.ID] = s
	return nil
}

func (m *memSecretsStore) Consume(_ context.Context, id string, fn func(storage.Secret) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consumeCalls++
	s, ok := m.secrets[id]
	if !ok {
		return storage.ErrNotFound
	}
	err := fn(s)
	delete(m.secrets, id)
	return err
}

func (m *memSecretsStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, s := range m.secrets {
		if !s.ExpiresAt.After(now) {
			delete(m.secrets, id)
			n++
		}
	}
	return n, nil
}

func newTestServer(store storage.SecretsStore) *Server {
	cfg := config.Config{
		DefaultLifetime:   time.Hour,
		RequestsPerMinute: 600,
	}
	svc := secrets.NewService(secrets.Config{
		ServerSecret:    "server-secret",
		SaltKey:         "salt-key",
		SaltText:        "salt-text",
		Iterations:      2500,
		DefaultLifetime: time.Hour,
	}, store)
	return NewServer(cfg, svc)
}

func postJSON(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestGenerateAndRetrieveFlow(t *testing.T) {
	t.Parallel()

	store := newMemSecretsStore()
	srv := newTestServer(store)
	defer srv.Close()
	h := srv.Handler()

	rec := postJSON(t, h, "/generate", GenerateRequest{Text: "meet at dawn", Password: "pw"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("generate status: got %d body=%s", rec.Code, rec.Body.String())
	}

	var genResp GenerateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &genResp); err != nil {
		t.Fatalf("decode generate response: %v", err)
	}
	if err := secrets.ValidateID(genResp.SecretKey); err != nil {
		t.Fatalf("secret_key %q: %v", genResp.SecretKey, err)
	}

	rec2 := postJSON(t, h, "/secrets/"+genResp.SecretKey, RetrieveRequest{Password: "pw"})
	if rec2.Code != http.StatusOK {
		t.Fatalf("retrieve status: got %d body=%s", rec2.Code, rec2.Body.String())
	}
	var retResp RetrieveResponse
	if err := json.Unmarshal(rec2.Body.Bytes(), &retResp); err != nil {
		t.Fatalf("decode retrieve response: %v", err)
	}
	if retResp.Text != "meet at dawn" {
		t.Fatalf("text: got %q", retResp.Text)
	}

	// Second retrieval must be indistinguishable from never-existed.
	rec3 := postJSON(t, h, "/secrets/"+genResp.SecretKey, RetrieveRequest{Password: "pw"})
	if rec3.Code != http.StatusNotFound {
		t.Fatalf("second retrieve status: got %d body=%s", rec3.Code, rec3.Body.String())
	}
}

func TestGenerateValidation(t *testing.T) {
	t.Parallel()

	store := newMemSecretsStore()
	srv := newTestServer(store)
	defer srv.Close()
	h := srv.Handler()

	i64 := func(v int64) *int64 { return &v }
	str := func(v string) *string { return &v }

	cases := []struct {
		name string
		req  GenerateRequest
	}{
		{"missing text", GenerateRequest{Password: "pw"}},
		{"missing password", GenerateRequest{Text: "msg"}},
		{"life_time without time_measure", GenerateRequest{Text: "msg", Password: "pw", LifeTime: i64(5)}},
		{"time_measure without life_time", GenerateRequest{Text: "msg", Password: "pw", TimeMeasure: str("min")}},
		{"zero life_time", GenerateRequest{Text: "msg", Password: "pw", LifeTime: i64(0), TimeMeasure: str("sec")}},
		{"unknown time_measure", GenerateRequest{Text: "msg", Password: "pw", LifeTime: i64(1), TimeMeasure: str("eon")}},
	}
	for _, tc := range cases {
		rec := postJSON(t, h, "/generate", tc.req)
		if rec.Code != http.StatusUnprocessableEntity {
			t.Fatalf("%s: got %d body=%s", tc.name, rec.Code, rec.Body.String())
		}
	}

	if len(store.secrets) != 0 {
		t.Fatalf("no secret should be stored on validation failure, got %d", len(store.secrets))
	}
}

func TestGenerateLifetimeErrorsAreSpecific(t *testing.T) {
	t.Parallel()

	srv := newTestServer(newMemSecretsStore())
	defer srv.Close()
	h := srv.Handler()

	i64 := func(v int64) *int64 { return &v }
	str := func(v string) *string { return &v }

	cases := []struct {
		name string
		req  GenerateRequest
		want string
	}{
		{
			"quantity without unit",
			GenerateRequest{Text: "msg", Password: "pw", LifeTime: i64(5)},
			"set together",
		},
		{
			"zero quantity",
			GenerateRequest{Text: "msg", Password: "pw", LifeTime: i64(0), TimeMeasure: str("sec")},
			"must be positive",
		},
		{
			"unknown unit",
			GenerateRequest{Text: "msg", Password: "pw", LifeTime: i64(1), TimeMeasure: str("eon")},
			"unknown time_measure",
		},
	}
	for _, tc := range cases {
		rec := postJSON(t, h, "/generate", tc.req)
		if rec.Code != http.StatusUnprocessableEntity {
			t.Fatalf("%s: got %d", tc.name, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), tc.want) {
			t.Fatalf("%s: body %q does not name the broken rule (%q)", tc.name, rec.Body.String(), tc.want)
		}
	}
}

func TestGenerateWithExplicitLifetime(t *testing.T) {
	t.Parallel()

	store := newMemSecretsStore()
	srv := newTestServer(store)
	defer srv.Close()

	lt := int64(2)
	tm := "day"
	rec := postJSON(t, srv.Handler(), "/generate", GenerateRequest{
		Text: "msg", Password: "pw", LifeTime: &lt, TimeMeasure: &tm,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("generate status: got %d body=%s", rec.Code, rec.Body.String())
	}

	var genResp GenerateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &genResp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	sec, ok := store.secrets[genResp.SecretKey]
	if !ok {
		t.Fatalf("secret not stored")
	}
	want := time.Now().UTC().Add(48 * time.Hour)
	if d := sec.ExpiresAt.Sub(want); d < -time.Minute || d > time.Minute {
		t.Fatalf("expires_at %v not ~48h out", sec.ExpiresAt)
	}
}

func TestRetrieveMalformedKeySkipsStore(t *testing.T) {
	t.Parallel()

	store := newMemSecretsStore()
	srv := newTestServer(store)
	defer srv.Close()

	rec := postJSON(t, srv.Handler(), "/secrets/1111", RetrieveRequest{Password: "pw"})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	if store.consumeCalls != 0 {
		t.Fatalf("expected zero store calls for malformed key, got %d", store.consumeCalls)
	}
}

func TestRetrieveWrongPasswordBurns(t *testing.T) {
	t.Parallel()

	store := newMemSecretsStore()
	srv := newTestServer(store)
	defer srv.Close()
	h := srv.Handler()

	rec := postJSON(t, h, "/generate", GenerateRequest{Text: "msg", Password: "pw"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("generate status: got %d", rec.Code)
	}
	var genResp GenerateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &genResp); err != nil {
		t.Fatalf("decode: %v", err)
	}

	rec2 := postJSON(t, h, "/secrets/"+genResp.SecretKey, RetrieveRequest{Password: "wrong"})
	if rec2.Code != http.StatusForbidden {
		t.Fatalf("wrong password status: got %d body=%s", rec2.Code, rec2.Body.String())
	}

	// The wrong guess consumed the secret.
	rec3 := postJSON(t, h, "/secrets/"+genResp.SecretKey, RetrieveRequest{Password: "pw"})
	if rec3.Code != http.StatusNotFound {
		t.Fatalf("after burn status: got %d body=%s", rec3.Code, rec3.Body.String())
	}
}

func TestRetrieveExpired(t *testing.T) {
	t.Parallel()

	store := newMemSecretsStore()
	srv := newTestServer(store)
	defer srv.Close()
	h := srv.Handler()

	rec := postJSON(t, h, "/generate", GenerateRequest{Text: "msg", Password: "pw"})
	var genResp GenerateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &genResp); err != nil {
		t.Fatalf("decode: %v", err)
	}

	// Age the record past its expiry directly in the store.
	store.mu.Lock()
	sec := store.secrets[genResp.SecretKey]
	sec.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	store.secrets[genResp.SecretKey] = sec
	store.mu.Unlock()

	rec2 := postJSON(t, h, "/secrets/"+genResp.SecretKey, RetrieveRequest{Password: "pw"})
	if rec2.Code != http.StatusForbidden {
		t.Fatalf("expired status: got %d body=%s", rec2.Code, rec2.Body.String())
	}
	if !strings.Contains(rec2.Body.String(), "expired") {
		t.Fatalf("expected expired message, got %s", rec2.Body.String())
	}

	rec3 := postJSON(t, h, "/secrets/"+genResp.SecretKey, RetrieveRequest{Password: "pw"})
	if rec3.Code != http.StatusNotFound {
		t.Fatalf("after expiry burn status: got %d", rec3.Code)
	}
}

func TestContentTypeNegotiation(t *testing.T) {
	t.Parallel()

	srv := newTestServer(newMemSecretsStore())
	defer srv.Close()
	h := srv.Handler()

	cases := []struct {
		ct   string
		want int
	}{
		{"application/json", http.StatusCreated},
		{"application/json; charset=utf-8", http.StatusCreated},
		{"application/x-www-form-urlencoded", http.StatusBadRequest},
		// A raw prefix match would wave this one through.
		{"application/jsonfoo", http.StatusBadRequest},
		{"", http.StatusBadRequest},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/generate", strings.NewReader(`{"text":"hi","password":"pw"}`))
		if tc.ct != "" {
			req.Header.Set("Content-Type", tc.ct)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Fatalf("content type %q: got %d want %d (body=%s)", tc.ct, rec.Code, tc.want, rec.Body.String())
		}
	}
}

func TestRejectsUnknownFieldsAndTrailingData(t *testing.T) {
	t.Parallel()

	srv := newTestServer(newMemSecretsStore())
	defer srv.Close()
	h := srv.Handler()

	for _, body := range []string{
		`{"text":"msg","password":"pw","surprise":true}`,
		`{"text":"msg","password":"pw"}{"again":true}`,
		`not json`,
	} {
		req := httptest.NewRequest(http.MethodPost, "/generate", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnprocessableEntity {
			t.Fatalf("body %q: got %d", body, rec.Code)
		}
	}
}

func TestRateLimitReturns429WithRetryAfter(t *testing.T) {
	t.Parallel()

	store := newMemSecretsStore()
	srv := newTestServer(store)
	defer srv.Close()
	// Tiny limiter so the test does not need hundreds of requests.
	srv.limiter.Stop()
	srv.limiter = newTinyLimiter()
	h := srv.Handler()

	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		last = postJSON(t, h, "/generate", GenerateRequest{Text: "msg", Password: "pw"})
	}
	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", last.Code)
	}
	if last.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}

func TestWrongMethodGetsJSON405(t *testing.T) {
	t.Parallel()

	srv := newTestServer(newMemSecretsStore())
	defer srv.Close()

	req := httptest.NewRequest(http.MethodGet, "/generate", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status: got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type: got %q", ct)
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	srv := newTestServer(newMemSecretsStore())
	defer srv.Close()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok":true`) {
		t.Fatalf("body: %s", rec.Body.String())
	}
}
