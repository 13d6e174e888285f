package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

type ctxKey struct{}

// WithIdentity stores the principal on a request context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the principal stored by Middleware.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}

type problem struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func reject(w http.ResponseWriter, status int, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem{
		Type:   "unauthorized",
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

func bearer(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

// Middleware requires a valid bearer session token and stores the Identity on the context.
func Middleware(svc *Service, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearer(r)
			if !ok {
				reject(w, http.StatusUnauthorized, "Missing credentials", "Authorization header must be 'Bearer <token>'")
				return
			}

			claims, err := svc.ValidateToken(token)
			if err != nil {
				logger.Debug("rejected session token", zap.Error(err), zap.String("path", r.URL.Path))
				reject(w, http.StatusUnauthorized, "Invalid credentials", "")
				return
			}

			ctx := WithIdentity(r.Context(), Identity{UserID: claims.UserID, Role: claims.Role})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// InternalToken protects producer endpoints with a static shared secret.
// An empty expected token disables the endpoints entirely.
func InternalToken(expected string, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if expected == "" {
				reject(w, http.StatusForbidden, "Internal endpoints disabled", "INTERNAL_TOKEN is not configured")
				return
			}

			token, ok := bearer(r)
			if !ok {
				reject(w, http.StatusUnauthorized, "Missing credentials", "")
				return
			}
			if subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
				logger.Warn("invalid internal token",
					zap.String("path", r.URL.Path),
					zap.String("remote_addr", r.RemoteAddr),
				)
				reject(w, http.StatusForbidden, "Invalid internal token", "")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
