package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"nhooyr.io/websocket"

	"github.com/user/agterm/internal/dispatch"
	"github.com/user/agterm/internal/session"
)

const (
	readLimit    = 1 << 20
	sendBuffer   = 256
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
)

// Client is one websocket connection.
type Client struct {
	id      string
	owner   string
	conn    *websocket.Conn
	send    chan []byte
	hub     *Hub
	limiter *rate.Limiter

	subMu sync.Mutex
	subs  map[string]*forwarder

	// owned records the sessions this connection created, for the cancel
	// disconnect policy.
	owned map[string]struct{}

	wg sync.WaitGroup
}

func newClient(id, owner string, conn *websocket.Conn, hub *Hub, limiter *rate.Limiter) *Client {
	return &Client{
		id:      id,
		owner:   owner,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		hub:     hub,
		limiter: limiter,
		subs:    make(map[string]*forwarder),
		owned:   make(map[string]struct{}),
	}
}

func (c *Client) serve(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	if obs := c.hub.opts.Observer; obs != nil {
		obs.ConnectionOpened()
		defer obs.ConnectionClosed()
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump(ctx)
	}()

	c.reply(ctx, ServerMessage{Type: TypeStatus, Status: StatusConnected, ClientID: c.id})
	c.readPump(ctx)

	cancel()
	c.wg.Wait()
	<-writerDone
	c.disconnect()
	c.hub.unregisterClient(c)
	c.conn.Close(websocket.StatusNormalClosure, "")
}

func (c *Client) readPump(ctx context.Context) {
	c.conn.SetReadLimit(readLimit)

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				slog.Debug("client read error", "client_id", c.id, "error", err)
			}
			return
		}
		c.observe("in")

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.replyError(ctx, "", fmt.Errorf("%w: invalid message format", dispatch.ErrInvalidRequest))
			continue
		}
		if !c.limiter.Allow() {
			c.replyError(ctx, msg.RequestID, dispatch.ErrRateLimited)
			continue
		}

		switch msg.Kind {
		case TypeDetach:
			c.detach(ctx, msg)
		case dispatch.KindExec, dispatch.KindCancel, dispatch.KindRemove:
			// These wait on processes; the connection keeps reading.
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				c.handle(ctx, msg)
			}()
		default:
			c.handle(ctx, msg)
		}
	}
}

func (c *Client) handle(ctx context.Context, msg ClientMessage) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("request handler panic", "client_id", c.id, "type", msg.Kind, "panic", r, "stack", string(debug.Stack()))
			c.replyError(ctx, msg.RequestID, fmt.Errorf("internal error"))
		}
	}()

	res, err := c.hub.dispatcher.Handle(ctx, c.owner, msg)
	if err != nil {
		out := ServerMessage{
			Type:      TypeError,
			RequestID: msg.RequestID,
			SessionID: msg.SessionID,
			Kind:      dispatch.Classify(err),
			Message:   err.Error(),
		}
		if res != nil {
			out.Result = res
			if res.Session != nil {
				out.SessionID = res.Session.ID
			}
		}
		c.reply(ctx, out)
		return
	}

	ack := ServerMessage{Type: TypeAck, RequestID: msg.RequestID, SessionID: msg.SessionID, Result: res}
	if res.Session != nil {
		ack.SessionID = res.Session.ID
	}
	if msg.Kind == dispatch.KindInvoke && res.Session != nil {
		c.subMu.Lock()
		c.owned[res.Session.ID] = struct{}{}
		c.subMu.Unlock()
	}
	c.reply(ctx, ack)

	if res.Subscription != nil {
		c.follow(ctx, ack.SessionID, res.Subscription)
	}
}

// follow streams a subscription to the client. A previous subscription to
// the same session is replaced.
func (c *Client) follow(ctx context.Context, sessionID string, sub *session.Subscription) {
	fctx, cancel := context.WithCancel(ctx)
	f := &forwarder{sub: sub, cancel: cancel}

	c.subMu.Lock()
	if old, ok := c.subs[sessionID]; ok {
		old.stop()
	}
	c.subs[sessionID] = f
	c.subMu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer sub.Close()
		err := f.run(fctx, func(e session.Event) error {
			return c.reply(fctx, ServerMessage{Type: TypeEvent, SessionID: sessionID, Event: &e, Final: e.Final()})
		})
		c.subMu.Lock()
		if c.subs[sessionID] == f {
			delete(c.subs, sessionID)
		}
		c.subMu.Unlock()
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, session.ErrUnsubscribed) {
			slog.Debug("event forwarding stopped", "client_id", c.id, "session_id", sessionID, "error", err)
		}
	}()
}

func (c *Client) detach(ctx context.Context, msg ClientMessage) {
	c.subMu.Lock()
	f, ok := c.subs[msg.SessionID]
	delete(c.subs, msg.SessionID)
	c.subMu.Unlock()
	if !ok {
		c.replyError(ctx, msg.RequestID, fmt.Errorf("%w: not attached to %q", session.ErrNotFound, msg.SessionID))
		return
	}
	f.stop()
	c.reply(ctx, ServerMessage{Type: TypeStatus, RequestID: msg.RequestID, SessionID: msg.SessionID, Status: StatusDetached})
}

// disconnect applies the disconnect policy once the connection is gone.
func (c *Client) disconnect() {
	if c.hub.opts.DisconnectPolicy != PolicyCancel {
		return
	}
	c.subMu.Lock()
	owned := make([]string, 0, len(c.owned))
	for id := range c.owned {
		owned = append(owned, id)
	}
	c.subMu.Unlock()

	c.hub.dispatcher.Release(c.owner)
	if len(owned) == 0 {
		return
	}
	slog.Info("cancelling sessions of disconnected client", "client_id", c.id, "count", len(owned))
	// Cancel waits for the terminal state, so signal every session before
	// waiting on any of them.
	var wg sync.WaitGroup
	for _, id := range owned {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.hub.dispatcher.Handle(context.Background(), c.owner, dispatch.Request{Kind: dispatch.KindCancel, SessionID: id})
			if err != nil && !errors.Is(err, session.ErrNotFound) {
				slog.Warn("cancel on disconnect failed", "session_id", id, "error", err)
			}
		}()
	}
	wg.Wait()
}

func (c *Client) replyError(ctx context.Context, requestID string, err error) {
	c.reply(ctx, ServerMessage{Type: TypeError, RequestID: requestID, Kind: dispatch.Classify(err), Message: err.Error()})
}

// reply queues msg for the write pump. It blocks while the send queue is
// full, so a slow client slows its own event forwarding down.
func (c *Client) reply(ctx context.Context, msg ServerMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("error marshaling server message", "type", msg.Type, "error", err)
		return err
	}
	select {
	case c.send <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) observe(direction string) {
	if obs := c.hub.opts.Observer; obs != nil {
		obs.Message(direction)
	}
}

func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.flush()
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				c.conn.Close(websocket.StatusGoingAway, "ping timeout")
				return
			}
		case msg := <-c.send:
			if err := c.write(ctx, msg); err != nil {
				c.conn.Close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

func (c *Client) write(ctx context.Context, msg []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := c.conn.Write(writeCtx, websocket.MessageText, msg); err != nil {
		return err
	}
	c.observe("out")
	return nil
}

// flush writes what is still queued after the reader stopped, e.g. the
// error reply to the last request, without blocking on a dead peer.
func (c *Client) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for {
		select {
		case msg := <-c.send:
			if err := c.write(ctx, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}
