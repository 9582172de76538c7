package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/user/agterm/internal/dispatch"
	"github.com/user/agterm/internal/session"
)

const sseHeartbeat = 15 * time.Second

type inputRequest struct {
	Data    string   `json:"data,omitempty"`
	Keys    []string `json:"keys,omitempty"`
	Control string   `json:"control,omitempty"`
	EOF     bool     `json:"eof,omitempty"`
}

type resizeRequest struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

type execRequest struct {
	Command   string `json:"command"`
	TimeoutMS int64  `json:"timeout_ms,omitempty"`
	Restart   bool   `json:"restart,omitempty"`
}

type outputResponse struct {
	Session *session.Snapshot `json:"session"`
	Events  []session.Event   `json:"events"`
	// Next is the cursor to pass as after to continue reading.
	Next uint64 `json:"next"`
}

func (h *handler) do(w http.ResponseWriter, r *http.Request, req dispatch.Request) (*dispatch.Result, bool) {
	res, err := h.dispatcher.Handle(r.Context(), owner(r), req)
	if err != nil {
		dispatchError(w, err, res)
		return nil, false
	}
	return res, true
}

func badBody(w http.ResponseWriter, err error) {
	jsonErrorKind(w, http.StatusBadRequest, dispatch.KindInvalidRequest, fmt.Sprintf("invalid JSON body: %v", err))
}

func (h *handler) createSession(w http.ResponseWriter, r *http.Request) {
	var req dispatch.Request
	if err := decodeJSON(r, &req); err != nil {
		badBody(w, err)
		return
	}
	req.Kind = dispatch.KindInvoke

	res, ok := h.do(w, r, req)
	if !ok {
		return
	}
	// HTTP callers follow output through /output or /events.
	if res.Subscription != nil {
		res.Subscription.Close()
	}
	jsonResponse(w, http.StatusCreated, res.Session)
}

func (h *handler) listSessions(w http.ResponseWriter, r *http.Request) {
	all, _ := strconv.ParseBool(r.URL.Query().Get("all"))
	res, ok := h.do(w, r, dispatch.Request{Kind: dispatch.KindList, All: all})
	if !ok {
		return
	}
	sessions := res.Sessions
	if sessions == nil {
		sessions = []session.Snapshot{}
	}
	jsonResponse(w, http.StatusOK, sessions)
}

func (h *handler) getSession(w http.ResponseWriter, r *http.Request) {
	res, ok := h.do(w, r, dispatch.Request{Kind: dispatch.KindQuery, SessionID: r.PathValue("id")})
	if !ok {
		return
	}
	jsonResponse(w, http.StatusOK, res.Session)
}

func (h *handler) deleteSession(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.do(w, r, dispatch.Request{Kind: dispatch.KindRemove, SessionID: r.PathValue("id")}); !ok {
		return
	}
	jsonResponse(w, http.StatusNoContent, nil)
}

func (h *handler) sendInput(w http.ResponseWriter, r *http.Request) {
	var in inputRequest
	if err := decodeJSON(r, &in); err != nil {
		badBody(w, err)
		return
	}
	res, ok := h.do(w, r, dispatch.Request{
		Kind:      dispatch.KindSendInput,
		SessionID: r.PathValue("id"),
		Data:      in.Data,
		Keys:      in.Keys,
		Control:   in.Control,
		EOF:       in.EOF,
	})
	if !ok {
		return
	}
	jsonResponse(w, http.StatusOK, res.Session)
}

func (h *handler) cancelSession(w http.ResponseWriter, r *http.Request) {
	res, ok := h.do(w, r, dispatch.Request{Kind: dispatch.KindCancel, SessionID: r.PathValue("id")})
	if !ok {
		return
	}
	jsonResponse(w, http.StatusOK, res.Session)
}

func (h *handler) resizeSession(w http.ResponseWriter, r *http.Request) {
	var in resizeRequest
	if err := decodeJSON(r, &in); err != nil {
		badBody(w, err)
		return
	}
	res, ok := h.do(w, r, dispatch.Request{Kind: dispatch.KindResize, SessionID: r.PathValue("id"), Cols: in.Cols, Rows: in.Rows})
	if !ok {
		return
	}
	jsonResponse(w, http.StatusOK, res.Session)
}

func parseCursor(r *http.Request) (uint64, error) {
	raw := r.URL.Query().Get("after")
	if raw == "" {
		raw = r.Header.Get("Last-Event-ID")
	}
	if raw == "" {
		return 0, nil
	}
	after, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: after must be a sequence number", dispatch.ErrInvalidRequest)
	}
	return after, nil
}

func (h *handler) getSessionOutput(w http.ResponseWriter, r *http.Request) {
	after, err := parseCursor(r)
	if err != nil {
		dispatchError(w, err, nil)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil {
			dispatchError(w, fmt.Errorf("%w: limit must be a number", dispatch.ErrInvalidRequest), nil)
			return
		}
	}

	res, ok := h.do(w, r, dispatch.Request{Kind: dispatch.KindRead, SessionID: r.PathValue("id"), After: after, Limit: limit})
	if !ok {
		return
	}
	out := outputResponse{Session: res.Session, Events: res.Events, Next: after}
	if out.Events == nil {
		out.Events = []session.Event{}
	}
	if n := len(res.Events); n > 0 {
		out.Next = res.Events[n-1].Seq
	}
	jsonResponse(w, http.StatusOK, out)
}

// streamSessionEvents serves the session's events as Server-Sent Events,
// replaying from the after cursor (or Last-Event-ID) and following until
// the final event.
func (h *handler) streamSessionEvents(w http.ResponseWriter, r *http.Request) {
	after, err := parseCursor(r)
	if err != nil {
		dispatchError(w, err, nil)
		return
	}
	res, ok := h.do(w, r, dispatch.Request{Kind: dispatch.KindAttach, SessionID: r.PathValue("id"), After: after})
	if !ok {
		return
	}
	sub := res.Subscription
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)
	_ = rc.Flush()

	ctx := r.Context()
	for {
		waitCtx, cancel := context.WithTimeout(ctx, sseHeartbeat)
		e, err := sub.Next(waitCtx)
		cancel()
		switch {
		case errors.Is(err, io.EOF):
			return
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				return
			}
		case err != nil:
			if ctx.Err() == nil {
				slog.Debug("event stream ended", "session_id", r.PathValue("id"), "error", err)
			}
			return
		default:
			if err := writeSSE(w, e); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func writeSSE(w io.Writer, e session.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", e.Seq, e.Type, data)
	return err
}

func (h *handler) exec(w http.ResponseWriter, r *http.Request) {
	var in execRequest
	if err := decodeJSON(r, &in); err != nil {
		badBody(w, err)
		return
	}
	res, ok := h.do(w, r, dispatch.Request{Kind: dispatch.KindExec, Command: in.Command, TimeoutMS: in.TimeoutMS, Restart: in.Restart})
	if !ok {
		return
	}
	jsonResponse(w, http.StatusOK, res)
}

func (h *handler) listTools(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, h.dispatcher.Tools())
}
