package middleware

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const (
	UserKey     contextKey = "user_id"
	UsernameKey contextKey = "username"
)

// TokenValidator returns the user id and username carried by a token.
type TokenValidator interface {
	ValidateToken(tokenString string) (int, string, error)
}

type AuthMiddleware struct {
	validator TokenValidator
}

func NewAuthMiddleware(v TokenValidator) *AuthMiddleware {
	return &AuthMiddleware{validator: v}
}

// Handle rejects requests without a valid token.
func (am *AuthMiddleware) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := tokenFromRequest(r)
		if tokenString == "" {
			http.Error(w, "Missing authentication token", http.StatusUnauthorized)
			return
		}

		ctx, ok := am.authenticate(r.Context(), tokenString)
		if !ok {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Optional injects the identity of a valid token and lets every request
// through. Whoever reads the context decides what a missing identity means.
func (am *AuthMiddleware) Optional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tokenString := tokenFromRequest(r); tokenString != "" {
			if ctx, ok := am.authenticate(r.Context(), tokenString); ok {
				r = r.WithContext(ctx)
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (am *AuthMiddleware) authenticate(ctx context.Context, tokenString string) (context.Context, bool) {
	userID, username, err := am.validator.ValidateToken(tokenString)
	if err != nil {
		return ctx, false
	}
	ctx = context.WithValue(ctx, UserKey, userID)
	ctx = context.WithValue(ctx, UsernameKey, username)
	return ctx, true
}

// Username returns the identity injected by the middleware, if any.
func Username(ctx context.Context) (string, bool) {
	username, ok := ctx.Value(UsernameKey).(string)
	return username, ok
}

// tokenFromRequest checks the Authorization header, then the token query
// parameter (browsers cannot set headers on a websocket handshake).
func tokenFromRequest(r *http.Request) string {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return parts[1]
		}
	}
	return r.URL.Query().Get("token")
}
