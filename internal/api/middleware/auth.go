package middleware

import (
	"net/http"
	"strings"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/bcrypt"

	govErrors "plugin-governor/internal/errors"
	"plugin-governor/internal/logging"
)

// AdminAuth guards mutating routes with a bearer key checked against a
// bcrypt hash. An empty hash disables the check.
type AdminAuth struct {
	hash   []byte
	logger logging.Logger
}

// NewAdminAuth creates the guard. A non-empty hash that is not a valid
// bcrypt hash is rejected.
func NewAdminAuth(keyHash string, logger logging.Logger) (*AdminAuth, error) {
	a := &AdminAuth{logger: logging.OrNoOp(logger).WithComponent("http_auth")}
	if keyHash == "" {
		return a, nil
	}
	if _, err := bcrypt.Cost([]byte(keyHash)); err != nil {
		return nil, govErrors.InvalidArgument("admin key hash is not a bcrypt hash: %v", err)
	}
	a.hash = []byte(keyHash)
	return a, nil
}

// Enabled reports whether a key is required
func (a *AdminAuth) Enabled() bool {
	return len(a.hash) > 0
}

// Handler rejects requests whose bearer key does not match
func (a *AdminAuth) Handler() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.Enabled() {
				next.ServeHTTP(w, r)
				return
			}

			key, ok := bearerToken(r)
			if !ok {
				govErrors.WriteHTTPError(w, govErrors.Unauthorized("missing bearer key"), chimiddleware.GetReqID(r.Context()))
				return
			}
			if err := bcrypt.CompareHashAndPassword(a.hash, []byte(key)); err != nil {
				a.logger.Warn("Rejected admin key", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
				govErrors.WriteHTTPError(w, govErrors.Unauthorized("invalid bearer key"), chimiddleware.GetReqID(r.Context()))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}

// HashKey returns the bcrypt hash to put in the configuration for key
func HashKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
