package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/user/agterm/internal/api"
	"github.com/user/agterm/internal/dispatch"
	"github.com/user/agterm/internal/hub"
	"github.com/user/agterm/internal/metrics"
	"github.com/user/agterm/internal/registry"
	"github.com/user/agterm/internal/session"
)

type stack struct {
	srv  *Server
	base string
	stop func() error
}

func startStack(t *testing.T) *stack {
	t.Helper()
	m := metrics.New()
	sessions := session.NewManager(session.Options{GracePeriod: 300 * time.Millisecond, Observer: m})
	tools, err := registry.NewRegistry("")
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	d := dispatch.New(sessions, tools, dispatch.Options{Observer: m})
	h := hub.New(d, hub.Options{Token: "secret", Observer: m})

	srv, err := New("127.0.0.1:0", h, api.NewRouter(d, "secret"), m)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		_ = h.Run(ctx)
	}()
	srvErr := make(chan error, 1)
	go func() { srvErr <- srv.Start(ctx) }()

	var once bool
	stop := func() error {
		if once {
			return nil
		}
		once = true
		cancel()
		<-hubDone
		err := <-srvErr
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = sessions.Shutdown(shutdownCtx)
		return err
	}
	t.Cleanup(func() { _ = stop() })

	st := &stack{srv: srv, base: "http://" + srv.Addr().String(), stop: stop}
	st.waitHealthy(t)
	return st
}

func (st *stack) waitHealthy(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(st.base + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("server did not become healthy")
}

func get(t *testing.T, url string, token string) (int, string) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, url, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s error = %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestServerRoutes(t *testing.T) {
	st := startStack(t)

	code, body := get(t, st.base+"/healthz", "")
	if code != http.StatusOK || !strings.Contains(body, `"status":"ok"`) {
		t.Fatalf("healthz = %d %s", code, body)
	}

	code, _ = get(t, st.base+"/api/tools", "")
	if code != http.StatusUnauthorized {
		t.Fatalf("api without token = %d, want 401", code)
	}
	code, body = get(t, st.base+"/api/tools", "secret")
	if code != http.StatusOK || !strings.Contains(body, `"id":"shell"`) {
		t.Fatalf("api tools = %d %s", code, body)
	}

	code, body = get(t, st.base+"/metrics", "")
	if code != http.StatusOK {
		t.Fatalf("metrics = %d", code)
	}
	if !strings.Contains(body, "agterm_sessions_live") || !strings.Contains(body, "agterm_http_requests_total") {
		t.Fatalf("metrics body misses agterm collectors:\n%s", body)
	}
}

func TestServerWebSocket(t *testing.T) {
	st := startStack(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws://" + st.srv.Addr().String() + "/ws?token=secret"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	var msg hub.ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode greeting: %v", err)
	}
	if msg.Type != hub.TypeStatus || msg.Status != hub.StatusConnected {
		t.Fatalf("greeting = %+v, want connected status", msg)
	}

	// Shutdown closes the connection and returns cleanly.
	if err := st.stop(); err != nil {
		t.Fatalf("Start() returned %v after shutdown", err)
	}
	if _, _, err := conn.Read(ctx); err == nil {
		t.Fatal("connection still open after shutdown")
	}
}

func TestNewReportsPortConflict(t *testing.T) {
	st := startStack(t)
	h := hub.New(nil, hub.Options{})
	if _, err := New(st.srv.Addr().String(), h, nil, nil); err == nil {
		t.Fatal("New() on a bound address error = nil, want error")
	}
}
