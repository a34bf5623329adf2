package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"modelgate/internal/config"
)

// Auth returns a middleware enforcing the configured authentication mode.
//
//   - "static" (the default) checks the incoming request's cfg.HeaderName
//     header against cfg.Secret using a constant-time comparison — an opaque
//     shared-secret check, not a token format.
//   - "jwt" enforces Bearer JWT authentication using HMAC-SHA256, reusing
//     cfg.Secret as the HMAC signing key.
//
// cfg.Exclude lists exact URL paths that bypass authentication (e.g. the
// liveness endpoint). If cfg.Enabled is false, Auth returns a no-op
// middleware.
func Auth(cfg config.AuthCfg) func(http.Handler) http.Handler {
	if !cfg.Enabled {
		return func(next http.Handler) http.Handler { return next }
	}

	excludeSet := make(map[string]struct{}, len(cfg.Exclude))
	for _, p := range cfg.Exclude {
		excludeSet[p] = struct{}{}
	}

	check := staticHeaderCheck(cfg.HeaderName, cfg.Secret)
	if strings.EqualFold(cfg.Mode, "jwt") {
		check = jwtBearerCheck(cfg.Secret)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := excludeSet[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			if err := check(r); err != nil {
				slog.Warn("auth: request rejected",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
					"error", err,
				)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// staticHeaderCheck compares the configured header's value against secret
// using a constant-time comparison, avoiding timing side-channels.
func staticHeaderCheck(headerName, secret string) func(*http.Request) error {
	return func(r *http.Request) error {
		got := r.Header.Get(headerName)
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			return errUnauthorized
		}
		return nil
	}
}

// jwtBearerCheck validates a "Bearer <token>" Authorization header signed
// with HMAC-SHA256 using secret as the key.
func jwtBearerCheck(secret string) func(*http.Request) error {
	key := []byte(secret)
	return func(r *http.Request) error {
		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return errUnauthorized
		}
		tokenStr := strings.TrimPrefix(authHeader, "Bearer ")

		token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
			// Reject any algorithm that is not HMAC to prevent the "alg:none" attack.
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return key, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !token.Valid {
			return errUnauthorized
		}
		return nil
	}
}

var errUnauthorized = authError("missing or invalid credentials")

type authError string

func (e authError) Error() string { return string(e) }
