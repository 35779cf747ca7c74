package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func doReq(h http.Handler, method, path string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = "203.0.113.9:51000"
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddlewareRoles(t *testing.T) {
	var seenRole string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenRole = r.Header.Get("X-Role-Name")
		w.WriteHeader(http.StatusOK)
	})
	h := Middleware(SecConfig{
		RPS:         1000,
		Burst:       1000,
		BackendKeys: KeySet([]string{"bk"}),
		AdminKeys:   KeySet([]string{"ak"}),
	})(inner)

	if rec := doReq(h, http.MethodGet, "/v1/teams", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no key = %d", rec.Code)
	}
	if rec := doReq(h, http.MethodGet, "/v1/teams", map[string]string{"X-API-Key": "nope"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad key = %d", rec.Code)
	}

	if rec := doReq(h, http.MethodGet, "/v1/teams", map[string]string{"Authorization": "Bearer bk"}); rec.Code != http.StatusOK {
		t.Fatalf("backend bearer = %d", rec.Code)
	}
	if seenRole != "backend" {
		t.Fatalf("role header = %q", seenRole)
	}
	if rec := doReq(h, http.MethodGet, "/v1/teams", map[string]string{"X-API-Key": "ak"}); rec.Code != http.StatusOK {
		t.Fatalf("admin x-api-key = %d", rec.Code)
	}
	if seenRole != "admin" {
		t.Fatalf("role header = %q", seenRole)
	}

	// Probes bypass the key check.
	if rec := doReq(h, http.MethodGet, "/healthz", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
}

func TestMiddlewareAllowUnauth(t *testing.T) {
	h := Middleware(SecConfig{RPS: 1000, Burst: 1000, AllowUnauth: true})(okHandler())
	if rec := doReq(h, http.MethodGet, "/v1/teams", nil); rec.Code != http.StatusOK {
		t.Fatalf("allow_unauth = %d", rec.Code)
	}
}

// TestMiddlewareRateLimit exhausts one key's burst and checks another key
// is unaffected.
func TestMiddlewareRateLimit(t *testing.T) {
	h := Middleware(SecConfig{
		RPS:         0.001,
		Burst:       2,
		BackendKeys: KeySet([]string{"bk", "bk2"}),
	})(okHandler())

	for i := 0; i < 2; i++ {
		if rec := doReq(h, http.MethodGet, "/v1/teams", map[string]string{"X-API-Key": "bk"}); rec.Code != http.StatusOK {
			t.Fatalf("request %d = %d", i, rec.Code)
		}
	}
	if rec := doReq(h, http.MethodGet, "/v1/teams", map[string]string{"X-API-Key": "bk"}); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("over burst = %d", rec.Code)
	}
	if rec := doReq(h, http.MethodGet, "/v1/teams", map[string]string{"X-API-Key": "bk2"}); rec.Code != http.StatusOK {
		t.Fatalf("other key limited = %d", rec.Code)
	}
}

func TestRequireRole(t *testing.T) {
	h := RequireRole(RoleAdmin, okHandler())

	rec := doReq(h, http.MethodDelete, "/v1/teams/t1", map[string]string{"X-Role-Name": "backend"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("backend below admin = %d", rec.Code)
	}
	rec = doReq(h, http.MethodDelete, "/v1/teams/t1", map[string]string{"X-Role-Name": "admin"})
	if rec.Code != http.StatusOK {
		t.Fatalf("admin = %d", rec.Code)
	}
}

func TestKeySet(t *testing.T) {
	m := KeySet([]string{" a ", "", "b"})
	if len(m) != 2 {
		t.Fatalf("keyset = %v", m)
	}
	if _, ok := m["a"]; !ok {
		t.Fatalf("trimmed key missing")
	}
}
