package hub

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"

	"github.com/user/agterm/internal/dispatch"
)

// Disconnect policies.
const (
	PolicyDetach = "detach"
	PolicyCancel = "cancel"
)

const (
	defaultRateLimit = 50
	defaultRateBurst = 100
)

// Observer receives connection metrics. *metrics.Metrics implements it.
type Observer interface {
	ConnectionOpened()
	ConnectionClosed()
	Message(direction string)
}

type Options struct {
	Token string
	// DisconnectPolicy decides what happens to a connection's sessions when
	// it goes away: PolicyDetach leaves them running, PolicyCancel cancels
	// them.
	DisconnectPolicy string
	// RateLimit is the sustained number of requests per second a connection
	// may send, with bursts up to RateBurst.
	RateLimit float64
	RateBurst int
	Observer  Observer
}

// Hub is the websocket transport. Each connection is a client whose
// requests go to the dispatcher and whose subscriptions stream events back.
type Hub struct {
	dispatcher *dispatch.Dispatcher
	opts       Options

	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	ctx        atomic.Pointer[context.Context]
	running    atomic.Bool
	wg         sync.WaitGroup
}

func New(d *dispatch.Dispatcher, opts Options) *Hub {
	if opts.DisconnectPolicy == "" {
		opts.DisconnectPolicy = PolicyDetach
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = defaultRateLimit
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = defaultRateBurst
	}
	h := &Hub{
		dispatcher: d,
		opts:       opts,
		clients:    make(map[string]*Client),
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
	}
	bg := context.Background()
	h.ctx.Store(&bg)
	return h
}

func (h *Hub) getContext() context.Context {
	return *h.ctx.Load()
}

// Run serves registrations until ctx is done, then closes every connection
// and waits for their goroutines.
func (h *Hub) Run(ctx context.Context) error {
	h.ctx.Store(&ctx)
	h.running.Store(true)
	defer h.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for _, c := range h.clients {
				c.conn.Close(websocket.StatusGoingAway, "server shutting down")
			}
			h.mu.Unlock()
			h.wg.Wait()
			return nil

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.id] = c
			h.mu.Unlock()
			h.wg.Add(1)
			go func() {
				defer h.wg.Done()
				c.serve(ctx)
			}()
			slog.Info("client connected", "client_id", c.id, "owner", c.owner, "total", h.ClientCount())

		case c := <-h.unregister:
			h.mu.Lock()
			delete(h.clients, c.id)
			h.mu.Unlock()
			slog.Info("client disconnected", "client_id", c.id, "total", h.ClientCount())
		}
	}
}

func (h *Hub) authorized(r *http.Request) bool {
	if h.opts.Token == "" {
		return true
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		if v, ok := cutBearer(r.Header.Get("Authorization")); ok {
			token = v
		}
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.opts.Token)) == 1
}

func cutBearer(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):], true
	}
	return "", false
}

// HandleWebSocket upgrades the request. The optional "client" query
// parameter names the owner of the sessions the connection creates, so a
// client that reconnects can list and re-attach its sessions.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !h.running.Load() {
		http.Error(w, "hub not running", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Warn("websocket accept error", "error", err)
		return
	}

	id := uuid.NewString()
	owner := r.URL.Query().Get("client")
	if owner == "" {
		owner = id
	}
	c := newClient(id, owner, conn, h, rate.NewLimiter(rate.Limit(h.opts.RateLimit), h.opts.RateBurst))

	select {
	case h.register <- c:
	case <-r.Context().Done():
		conn.Close(websocket.StatusTryAgainLater, "server busy")
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) unregisterClient(c *Client) {
	if !h.running.Load() {
		return
	}
	select {
	case h.unregister <- c:
	case <-h.getContext().Done():
	}
}
