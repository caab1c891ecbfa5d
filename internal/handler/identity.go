package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/p2pdesk/escrow/internal/domain"
)

// Identity headers set by the upstream gateway. They are trusted as given.
const (
	headerUserID   = "X-User-ID"
	headerTenantID = "X-Tenant-ID"
	headerVerified = "X-User-Verified"
)

type callerKey struct{}

// identity resolves the caller from the identity headers and rejects
// requests that carry none.
func identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(headerUserID)
		tenantID := r.Header.Get(headerTenantID)
		if userID == "" || tenantID == "" {
			WriteError(w, http.StatusUnauthorized, "unauthenticated",
				headerUserID+" and "+headerTenantID+" headers are required")
			return
		}
		verified, _ := strconv.ParseBool(r.Header.Get(headerVerified))
		c := domain.Caller{UserID: userID, TenantID: tenantID, Verified: verified}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, c)))
	})
}

// callerFrom returns the caller stored by identity.
func callerFrom(ctx context.Context) domain.Caller {
	c, _ := ctx.Value(callerKey{}).(domain.Caller)
	return c
}
