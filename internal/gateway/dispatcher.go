// Package gateway forwards authenticated requests to downstream services,
// attaching a signed identity envelope in place of the original credentials.
package gateway

import (
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"authgate.dev/internal/auth"
	"authgate.dev/internal/obs"
)

// Service is one downstream target. Requests whose path starts with Prefix
// are forwarded to URL with the prefix preserved.
type Service struct {
	Name   string
	Prefix string
	URL    string
}

// Dispatcher resolves the downstream service for a request and forwards
// method, headers, query and body verbatim, minus every credential the
// gateway itself consumed.
type Dispatcher struct {
	routes []Service
	client *http.Client
	signer *IdentitySigner
	log    *logrus.Logger
}

// credentialHeaders never cross the gateway boundary.
var credentialHeaders = []string{
	"Authorization",
	"Cookie",
	"X-Client-Id",
	"X-Client-Secret",
}

// hop-by-hop headers per RFC 7230 §6.1.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// NewDispatcher constructs a dispatcher over the configured services.
// Longer prefixes win when several match.
func NewDispatcher(services []Service, signer *IdentitySigner, log *logrus.Logger) *Dispatcher {
	routes := make([]Service, len(services))
	copy(routes, services)
	sort.Slice(routes, func(i, j int) bool {
		return len(routes[i].Prefix) > len(routes[j].Prefix)
	})
	return &Dispatcher{
		routes: routes,
		client: &http.Client{Timeout: 30 * time.Second},
		signer: signer,
		log:    log,
	}
}

// Resolve returns the service responsible for the path.
func (d *Dispatcher) Resolve(path string) (Service, bool) {
	for _, svc := range d.routes {
		if strings.HasPrefix(path, svc.Prefix) {
			return svc, true
		}
	}
	return Service{}, false
}

// ServeHTTP forwards the request. The caller must have authenticated it
// already; requests without a principal in context are rejected.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeDispatchError(w, http.StatusUnauthorized, "authentication_required", "authentication required")
		return
	}

	svc, ok := d.Resolve(r.URL.Path)
	if !ok {
		writeDispatchError(w, http.StatusNotFound, "unknown_service", "no service configured for path")
		return
	}

	envelope, err := d.signer.Sign(principal.Info())
	if err != nil {
		d.log.WithError(err).Error("sign identity envelope")
		writeDispatchError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}

	target := strings.TrimSuffix(svc.URL, "/") + r.URL.Path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	outbound, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		writeDispatchError(w, http.StatusBadRequest, "invalid_request", "invalid request")
		return
	}
	outbound.Header = r.Header.Clone()
	for _, h := range credentialHeaders {
		outbound.Header.Del(h)
	}
	for _, h := range hopHeaders {
		outbound.Header.Del(h)
	}
	outbound.Header.Set(IdentityHeader, envelope)

	resp, err := d.client.Do(outbound)
	if err != nil {
		obs.ObserveDispatchFailure(svc.Name)
		d.log.WithFields(logrus.Fields{
			"service": svc.Name,
			"path":    r.URL.Path,
		}).WithError(err).Warn("downstream dispatch failed")
		writeDispatchError(w, http.StatusBadGateway, "downstream_unavailable", "downstream service unavailable, retry later")
		return
	}
	defer resp.Body.Close()

	// The response side is a hop too; connection-level headers from the
	// downstream must not leak to the caller.
	for _, h := range hopHeaders {
		resp.Header.Del(h)
	}
	for key, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func writeDispatchError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"t":"error","code":"` + code + `","message":"` + msg + `"}`))
}
