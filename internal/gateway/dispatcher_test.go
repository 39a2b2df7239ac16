package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"authgate.dev/internal/auth"
	"authgate.dev/internal/obs"
)

func testPrincipal() auth.Principal {
	return auth.ClientAndUser{
		Client: &auth.Client{ID: "c1", Roles: []auth.ClientRole{auth.ClientRoleInternal}},
		User:   &auth.User{ID: "u1", Roles: []auth.Role{auth.RoleManage}},
	}
}

func newTestSigner(t *testing.T) *IdentitySigner {
	t.Helper()
	signer, err := NewIdentitySigner("test-secret", "authgate-test", 30*time.Second)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	return signer
}

func TestDispatchAttachesIdentityAndStripsCredentials(t *testing.T) {
	obs.Init()
	var seen *http.Request
	var body []byte
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Clone(r.Context())
		body, _ = io.ReadAll(r.Body)
		w.Header().Set("X-Backend", "orders")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer backend.Close()

	signer := newTestSigner(t)
	d := NewDispatcher([]Service{{Name: "orders", Prefix: "/orders/", URL: backend.URL}}, signer, obs.Logger())

	req := httptest.NewRequest(http.MethodPost, "/orders/v1/create?limit=5", strings.NewReader(`{"sku":"a"}`))
	req.Header.Set("Authorization", "Bearer raw-token")
	req.Header.Set("Cookie", "session=abc")
	req.Header.Set("X-Client-Id", "c1")
	req.Header.Set("X-Client-Secret", "raw-secret")
	req.Header.Set("X-Custom", "kept")
	req = req.WithContext(auth.ContextWithPrincipal(req.Context(), testPrincipal()))

	rr := httptest.NewRecorder()
	d.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202 from backend, got %d", rr.Code)
	}
	if rr.Header().Get("X-Backend") != "orders" {
		t.Fatalf("backend headers must pass through")
	}
	if string(body) != `{"sku":"a"}` {
		t.Fatalf("body not forwarded: %q", body)
	}
	if seen.URL.Path != "/orders/v1/create" || seen.URL.RawQuery != "limit=5" {
		t.Fatalf("path/query not preserved: %s?%s", seen.URL.Path, seen.URL.RawQuery)
	}

	for _, h := range []string{"Authorization", "Cookie", "X-Client-Id", "X-Client-Secret"} {
		if seen.Header.Get(h) != "" {
			t.Fatalf("credential header %s leaked downstream", h)
		}
	}
	if seen.Header.Get("X-Custom") != "kept" {
		t.Fatalf("ordinary headers must be forwarded")
	}

	envelope := seen.Header.Get(IdentityHeader)
	if envelope == "" {
		t.Fatalf("identity envelope missing")
	}
	info, err := signer.Verify(envelope)
	if err != nil {
		t.Fatalf("verify envelope: %v", err)
	}
	if info.UserID != "u1" || info.ClientID != "c1" {
		t.Fatalf("unexpected identity: %+v", info)
	}
	if len(info.UserRoles) != 1 || info.UserRoles[0] != auth.RoleManage {
		t.Fatalf("roles not carried: %+v", info.UserRoles)
	}
}

func TestDispatchRequiresPrincipal(t *testing.T) {
	obs.Init()
	d := NewDispatcher([]Service{{Name: "orders", Prefix: "/orders/", URL: "http://localhost:1"}}, newTestSigner(t), obs.Logger())

	req := httptest.NewRequest(http.MethodGet, "/orders/v1/list", nil)
	rr := httptest.NewRecorder()
	d.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestDispatchUnknownService(t *testing.T) {
	obs.Init()
	d := NewDispatcher([]Service{{Name: "orders", Prefix: "/orders/", URL: "http://localhost:1"}}, newTestSigner(t), obs.Logger())

	req := httptest.NewRequest(http.MethodGet, "/billing/v1/list", nil)
	req = req.WithContext(auth.ContextWithPrincipal(req.Context(), testPrincipal()))
	rr := httptest.NewRecorder()
	d.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	var envelope struct {
		T    string `json:"t"`
		Code string `json:"code"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if envelope.T != "error" || envelope.Code != "unknown_service" {
		t.Fatalf("unexpected envelope: %+v", envelope)
	}
}

func TestDispatchDownstreamUnavailable(t *testing.T) {
	obs.Init()
	// A closed listener: connections are refused immediately.
	backend := httptest.NewServer(http.NotFoundHandler())
	url := backend.URL
	backend.Close()

	d := NewDispatcher([]Service{{Name: "orders", Prefix: "/orders/", URL: url}}, newTestSigner(t), obs.Logger())

	req := httptest.NewRequest(http.MethodGet, "/orders/v1/list", nil)
	req = req.WithContext(auth.ContextWithPrincipal(req.Context(), testPrincipal()))
	rr := httptest.NewRecorder()
	d.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rr.Code)
	}
}

func TestResolveLongestPrefixWins(t *testing.T) {
	d := NewDispatcher([]Service{
		{Name: "api", Prefix: "/orders/", URL: "http://a"},
		{Name: "reports", Prefix: "/orders/reports/", URL: "http://b"},
	}, nil, obs.Logger())

	svc, ok := d.Resolve("/orders/reports/daily")
	if !ok || svc.Name != "reports" {
		t.Fatalf("expected reports to win, got %+v ok=%v", svc, ok)
	}
	svc, ok = d.Resolve("/orders/v1/create")
	if !ok || svc.Name != "api" {
		t.Fatalf("expected api, got %+v ok=%v", svc, ok)
	}
	if _, ok := d.Resolve("/billing/v1"); ok {
		t.Fatalf("unknown prefix must not resolve")
	}
}

func TestIdentitySignerRejectsTampering(t *testing.T) {
	signer := newTestSigner(t)
	envelope, err := signer.Sign(auth.RequestInfo{ClientID: "c1", UserID: "u1"})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	other, err := NewIdentitySigner("different-secret", "authgate-test", 30*time.Second)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	if _, err := other.Verify(envelope); err == nil {
		t.Fatalf("envelope must not verify under another secret")
	}
	if _, err := signer.Verify(envelope + "x"); err == nil {
		t.Fatalf("tampered envelope must not verify")
	}
}

func TestIdentitySignerExpiry(t *testing.T) {
	now := time.Now()
	clock := now
	signer, err := NewIdentitySigner("test-secret", "authgate-test", 10*time.Second, WithSignerClock(func() time.Time { return clock }))
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	envelope, err := signer.Sign(auth.RequestInfo{ClientID: "c1"})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := signer.Verify(envelope); err != nil {
		t.Fatalf("fresh envelope should verify: %v", err)
	}
	clock = now.Add(time.Minute)
	if _, err := signer.Verify(envelope); err == nil {
		t.Fatalf("expired envelope must not verify")
	}
}

func TestDispatchFiltersHopHeadersFromResponse(t *testing.T) {
	obs.Init()
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Proxy-Authenticate", "Basic realm=internal")
		w.Header().Set("Keep-Alive", "timeout=5")
		w.Header().Set("Upgrade", "h2c")
		w.Header().Set("X-Backend", "orders")
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	d := NewDispatcher([]Service{{Name: "orders", Prefix: "/orders/", URL: backend.URL}}, newTestSigner(t), obs.Logger())

	req := httptest.NewRequest(http.MethodGet, "/orders/v1/list", nil)
	req = req.WithContext(auth.ContextWithPrincipal(req.Context(), testPrincipal()))
	rr := httptest.NewRecorder()
	d.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	for _, h := range []string{"Proxy-Authenticate", "Keep-Alive", "Upgrade"} {
		if rr.Header().Get(h) != "" {
			t.Fatalf("hop-by-hop header %s leaked to the caller", h)
		}
	}
	if rr.Header().Get("X-Backend") != "orders" {
		t.Fatalf("end-to-end headers must pass through")
	}
}
