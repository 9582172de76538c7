package api

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/user/agterm/internal/dispatch"
)

// clientHeader names the owner of the sessions a request creates. It plays
// the role of the websocket "client" query parameter.
const clientHeader = "X-Agterm-Client"

type handler struct {
	dispatcher *dispatch.Dispatcher
}

func NewRouter(d *dispatch.Dispatcher, token string) http.Handler {
	handler := &handler{dispatcher: d}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/sessions", handler.createSession)
	mux.HandleFunc("GET /api/sessions", handler.listSessions)
	mux.HandleFunc("GET /api/sessions/{id}", handler.getSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", handler.deleteSession)
	mux.HandleFunc("POST /api/sessions/{id}/input", handler.sendInput)
	mux.HandleFunc("POST /api/sessions/{id}/cancel", handler.cancelSession)
	mux.HandleFunc("POST /api/sessions/{id}/resize", handler.resizeSession)
	mux.HandleFunc("GET /api/sessions/{id}/output", handler.getSessionOutput)
	mux.HandleFunc("GET /api/sessions/{id}/events", handler.streamSessionEvents)

	mux.HandleFunc("POST /api/exec", handler.exec)
	mux.HandleFunc("GET /api/tools", handler.listTools)

	wrapped := authMiddleware(token)(jsonMiddleware(corsMiddleware(mux)))
	return wrapped
}

func authMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}

			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
			if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
				if tokenMatches(strings.TrimSpace(authHeader[7:]), token) {
					next.ServeHTTP(w, r)
					return
				}
			}

			if tokenMatches(r.URL.Query().Get("token"), token) {
				next.ServeHTTP(w, r)
				return
			}

			jsonErrorKind(w, http.StatusUnauthorized, dispatch.KindUnauthorized, "unauthorized")
		})
	}
}

func tokenMatches(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization,Content-Type,Last-Event-ID,"+clientHeader)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return io.ErrUnexpectedEOF
	}
	return nil
}

func owner(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get(clientHeader)); v != "" {
		return v
	}
	return r.URL.Query().Get("client")
}
