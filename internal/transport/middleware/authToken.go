// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
)

const (
	healthzPath = "/healthz"
	readyzPath  = "/readyz"
	metricsPath = "/metrics"
	versionPath = "/version"

	// accessTokenParam carries the token for GET requests from clients that
	// cannot set headers (EventSource, <img> artifact links).
	accessTokenParam = "access_token"
)

// publicPath reports whether path is served without authentication or
// rate limiting.
func publicPath(path string) bool {
	switch path {
	case healthzPath, readyzPath, metricsPath, versionPath:
		return true
	default:
		return false
	}
}

// ParseTokens splits a comma-separated token list, dropping blanks. More than
// one token lets a key be rotated without downtime.
func ParseTokens(raw string) []string {
	var tokens []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tokens = append(tokens, t)
		}
	}
	return tokens
}

// APITokenAuth enforces bearer tokens for all routes except /healthz,
// /readyz, /metrics and /version. tokens is a comma-separated list; an empty
// list disables the check.
func APITokenAuth(tokens string, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := ParseTokens(tokens)

	return func(next http.Handler) http.Handler {
		if len(allowed) == 0 {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			token, source := requestToken(r)
			if token == "" || !matchesAny(token, allowed) {
				reason := "invalid token"
				if token == "" {
					reason = "missing token"
				}
				logger.Warn("request blocked by api token middleware",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
					"reason", reason,
					"source", source,
				)
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "missing or invalid API token", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// requestToken prefers the Authorization header and falls back to the
// access_token query parameter on GET requests.
func requestToken(r *http.Request) (string, string) {
	if h := r.Header.Get("Authorization"); h != "" {
		token, _ := bearerToken(h)
		return token, "header"
	}
	if r.Method == http.MethodGet {
		if token := strings.TrimSpace(r.URL.Query().Get(accessTokenParam)); token != "" {
			return token, "query"
		}
	}
	return "", "none"
}

// matchesAny compares against every allowed token so timing does not reveal
// which one matched.
func matchesAny(token string, allowed []string) bool {
	ok := 0
	for _, a := range allowed {
		ok |= subtle.ConstantTimeCompare([]byte(token), []byte(a))
	}
	return ok == 1
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", false
	}
	return token, true
}
