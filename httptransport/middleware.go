package httptransport

import (
	"context"
	"net/http"
	"strings"

	"github.com/cvelab/cvehub"
	"github.com/cvelab/cvehub/auth"
	"github.com/cvelab/cvehub/pkg/jsonerr"
)

type claimsKey struct{}

// claimsFrom returns the verified claims the authenticate middleware
// stashed, or nil outside an authenticated route.
func claimsFrom(ctx context.Context) *auth.Claims {
	c, _ := ctx.Value(claimsKey{}).(*auth.Claims)
	return c
}

// authenticate verifies the bearer token and stores the claims in the
// request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := bearerToken(r)
		if tok == "" {
			w.Header().Set("WWW-Authenticate", "Bearer")
			jsonerr.Error(w, &jsonerr.Response{
				Detail:    "missing bearer token",
				ErrorCode: string(cvehub.ErrUnauthorized),
			}, http.StatusUnauthorized)
			return
		}
		claims, err := s.auth.Verify(r.Context(), tok)
		if err != nil {
			apiError(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// adminOnly rejects non-admin principals. It must sit inside
// authenticate.
func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := claimsFrom(r.Context())
		if claims == nil || !claims.IsAdmin {
			jsonerr.Error(w, &jsonerr.Response{
				Detail:    "admin privileges required",
				ErrorCode: string(cvehub.ErrForbidden),
			}, http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):]
	}
	return ""
}
