package api

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/tkarski/eventgate/pkg/httpx"
	"github.com/tkarski/eventgate/pkg/tenant"
)

type contextKey int

const tenantContextKey contextKey = iota

type authedTenant struct {
	tenant *tenant.Tenant
	scope  tenant.KeyScope
}

// apiKey extracts the credential from the Authorization header (Bearer
// scheme), the X-API-Key header, or the key query parameter. The query
// parameter exists for WebSocket clients that cannot set headers.
func apiKey(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if key, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(key)
		}
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("key")
}

// clientAddr returns the submitting client's IP, preferring the first
// X-Forwarded-For hop when a proxy added one.
func clientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, ok := strings.Cut(fwd, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// requireScope authenticates the request against the registry and rejects
// keys of the wrong scope. The resolved tenant lands in the request context.
func (h *Handler) requireScope(scope tenant.KeyScope, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := apiKey(r)
		t, keyScope, ok := h.registry.Lookup(key)
		if !ok || t.Disabled || keyScope != scope {
			httpx.RespondErrorCode(w, http.StatusUnauthorized, "authentication_failed", "invalid API key", nil)
			return
		}
		ctx := context.WithValue(r.Context(), tenantContextKey, authedTenant{tenant: t, scope: keyScope})
		next(w, r.WithContext(ctx))
	}
}

func tenantFrom(r *http.Request) *tenant.Tenant {
	at, _ := r.Context().Value(tenantContextKey).(authedTenant)
	return at.tenant
}
