package chi

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/tysjosh/mindshop-sub016/internal/domain/tenant"
	logpkg "github.com/tysjosh/mindshop-sub016/internal/logger"
)

// exemptPaths are routes that bypass authentication (health, metrics).
var exemptPaths = map[string]struct{}{
	"/health":  {},
	"/metrics": {},
}

// Keyring maps an API key to the tenant it authenticates.
type Keyring map[string]tenant.Context

// TenantAuthMiddleware resolves the Bearer token to a tenant context.
// The tenant never comes from the request itself; unknown keys get 401.
func TenantAuthMiddleware(keys Keyring) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := exemptPaths[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			auth := r.Header.Get("Authorization")
			if auth == "" {
				writeError(w, http.StatusUnauthorized, codeUnauthorized, "missing authorization header")
				return
			}

			const bearerPrefix = "Bearer "
			if !strings.HasPrefix(auth, bearerPrefix) {
				writeError(w, http.StatusUnauthorized, codeUnauthorized, "authorization header must use Bearer scheme")
				return
			}

			t, ok := keys[auth[len(bearerPrefix):]]
			if !ok || t.Validate() != nil {
				writeError(w, http.StatusUnauthorized, codeUnauthorized, "invalid api key")
				return
			}

			ctx := tenant.WithContext(r.Context(), t)
			reqLogger := logpkg.FromContext(ctx).With(
				zap.String("merchant_id", t.MerchantID()),
				zap.String("role", string(t.Role())),
			)
			ctx = logpkg.ContextWithLogger(ctx, reqLogger)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// requireWrite rejects read-only tenants.
func requireWrite(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t, ok := tenant.FromContext(r.Context())
		if !ok || !t.CanWrite() {
			writeError(w, http.StatusForbidden, codeForbidden, "write access denied")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireAdmin restricts operational endpoints to admin and system roles.
func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t, ok := tenant.FromContext(r.Context())
		if !ok || !t.CanAdminister() {
			writeError(w, http.StatusForbidden, codeForbidden, "admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
