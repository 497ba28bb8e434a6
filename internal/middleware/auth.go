package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/mylxsw/asteria/log"
)

var (
	ErrMissingAPIKey = errors.New("missing api key")
	ErrInvalidAPIKey = errors.New("invalid api key")
)

// Skipper reports whether a request bypasses authentication.
type Skipper func(*http.Request) bool

// SkipPaths matches requests whose URL path is exactly one of paths.
func SkipPaths(paths ...string) Skipper {
	set := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		if p = strings.TrimSpace(p); p != "" {
			set[p] = struct{}{}
		}
	}
	return func(r *http.Request) bool {
		_, ok := set[r.URL.Path]
		return ok
	}
}

// APIKeyAuth checks requests against a fixed set of keys. A zero-key
// instance lets every request through.
type APIKeyAuth struct {
	keys map[string]struct{}
}

type errorResponse struct {
	Error string `json:"error"`
}

func NewAPIKeyAuth(keys []string) *APIKeyAuth {
	m := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if key = strings.TrimSpace(key); key != "" {
			m[key] = struct{}{}
		}
	}
	return &APIKeyAuth{keys: m}
}

func (a *APIKeyAuth) Enabled() bool {
	return len(a.keys) > 0
}

// Authenticate returns ErrMissingAPIKey or ErrInvalidAPIKey when r does not
// carry a configured key.
func (a *APIKeyAuth) Authenticate(r *http.Request) error {
	if !a.Enabled() {
		return nil
	}
	key := extractAPIKey(r)
	if key == "" {
		return ErrMissingAPIKey
	}
	if _, ok := a.keys[key]; !ok {
		log.Warningf("rejected api key %s from %s", MaskToken(key), r.RemoteAddr)
		return ErrInvalidAPIKey
	}
	return nil
}

func (a *APIKeyAuth) Middleware(next http.Handler) http.Handler {
	return a.MiddlewareWithSkipper(nil)(next)
}

func (a *APIKeyAuth) MiddlewareWithSkipper(skipper Skipper) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skipper != nil && skipper(r) {
				next.ServeHTTP(w, r)
				return
			}
			if err := a.Authenticate(r); err != nil {
				log.Debugf("auth %s %s: %v", r.Method, r.URL.Path, err)
				writeAuthError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// extractAPIKey reads "Authorization: Bearer <key>" first, then x-api-key.
func extractAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme, token, ok := strings.Cut(strings.TrimSpace(auth), " ")
		if ok && strings.EqualFold(scheme, "bearer") {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.Header.Get("x-api-key"))
}

func writeAuthError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="tokenizer"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: err.Error()})
}

// MaskToken keeps the first and last four characters of token.
func MaskToken(token string) string {
	token = strings.TrimSpace(token)
	if token == "" {
		return ""
	}
	const prefix = 4
	const suffix = 4
	if len(token) <= prefix+suffix {
		return strings.Repeat("*", len(token))
	}
	return token[:prefix] + strings.Repeat("*", len(token)-prefix-suffix) + token[len(token)-suffix:]
}
