package server

import (
	"crypto/subtle"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"os"
	"strings"
	"sync"
)

var debugDumpMu sync.Mutex

const serverAccessTokenError = "Invalid or missing server access token"

// authMiddleware requires a bearer token matching token() when one is
// configured. token is read per request so a config reload takes effect.
func authMiddleware(token func() string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			expectedToken := strings.TrimSpace(token())
			if expectedToken == "" || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			header := strings.TrimSpace(r.Header.Get("Authorization"))
			got, ok := parseBearerAuthToken(header)
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(expectedToken)) != 1 {
				writeError(w, http.StatusUnauthorized, serverAccessTokenError)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func parseBearerAuthToken(header string) (string, bool) {
	parts := strings.Fields(header)
	if len(parts) != 2 || parts[0] != "Bearer" || strings.TrimSpace(parts[1]) == "" {
		return "", false
	}
	return parts[1], true
}

func verboseMiddleware(enabled bool, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.Info("request", "method", r.Method, "path", r.URL.Path)
			next.ServeHTTP(w, r)
		})
	}
}

// debugMiddleware dumps every inbound request to out, or stderr when out is
// nil. The Authorization header is never written.
func debugMiddleware(enabled bool, logger *slog.Logger, out io.Writer) func(http.Handler) http.Handler {
	if out == nil {
		out = os.Stderr
	}
	return func(next http.Handler) http.Handler {
		if !enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if auth != "" {
				r.Header.Set("Authorization", "Bearer [redacted]")
			}
			dump, err := httputil.DumpRequest(r, true)
			if auth != "" {
				r.Header.Set("Authorization", auth)
			}
			if err != nil {
				logger.Error("request.dump.failed", "method", r.Method, "path", r.URL.Path, "error", err)
			} else {
				logger.Info("request.dump", "method", r.Method, "path", r.URL.Path)
				writeDebugDumpBlock(out, "INBOUND REQUEST", dump)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeDebugDumpBlock(out io.Writer, title string, data []byte) {
	debugDumpMu.Lock()
	defer debugDumpMu.Unlock()

	header := "===== " + strings.TrimSpace(title) + " BEGIN =====\n"
	footer := "===== " + strings.TrimSpace(title) + " END =====\n"

	io.WriteString(out, header)
	if len(data) > 0 {
		out.Write(data)
		if data[len(data)-1] != '\n' {
			io.WriteString(out, "\n")
		}
	}
	io.WriteString(out, footer)
}
