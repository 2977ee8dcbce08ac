// Package middleware provides HTTP middleware components for the API server.
package middleware

import (
	"io"
	"net/http"
	"strings"

	"github.com/maisonswap/maisonswap/internal/auth"
)

// RequireAuth returns middleware that validates the Authorization bearer token
// and stores the authenticated user ID in the request context. Handlers behind
// it can read the user with GetUserID.
//
// Only access tokens are accepted; refresh tokens presented here are rejected.
func RequireAuth(jwtService *auth.JWTService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				writeAuthError(w, r, "missing Authorization header")
				return
			}

			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				writeAuthError(w, r, "Authorization header must use the Bearer scheme")
				return
			}

			claims, err := jwtService.ValidateToken(token)
			if err != nil {
				if err == auth.ErrExpiredToken {
					writeAuthError(w, r, "token has expired")
					return
				}
				writeAuthError(w, r, "invalid token")
				return
			}

			if claims.Type != auth.TokenTypeAccess {
				writeAuthError(w, r, "token is not an access token")
				return
			}

			ctx := SetUserID(r.Context(), claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// writeAuthError writes a 401 in the standard error envelope. The middleware
// package cannot depend on the api package (the api package imports this one),
// so the envelope is written inline.
func writeAuthError(w http.ResponseWriter, r *http.Request, message string) {
	ctx := SetErrorCode(r.Context(), "unauthorized")
	UpdateResponseContext(w, ctx)

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	io.WriteString(w, `{"error":{"code":"unauthorized","message":"`+message+`"}}`)
}
