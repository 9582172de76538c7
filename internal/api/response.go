package api

import (
	"encoding/json"
	"net/http"

	"github.com/user/agterm/internal/dispatch"
	"github.com/user/agterm/internal/session"
)

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
	// Result carries what a failed request still produced, e.g. the failed
	// session of a launch error or the partial output of an exec timeout.
	*dispatch.Result
}

func jsonResponse(w http.ResponseWriter, status int, data any) {
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(status)
	if data == nil || status == http.StatusNoContent {
		return
	}
	_ = json.NewEncoder(w).Encode(data)
}

func jsonErrorKind(w http.ResponseWriter, status int, kind, message string) {
	jsonResponse(w, status, errorBody{Error: message, Kind: kind})
}

// dispatchError writes a classified dispatcher error.
func dispatchError(w http.ResponseWriter, err error, res *dispatch.Result) {
	kind := dispatch.Classify(err)
	jsonResponse(w, statusForKind(kind), errorBody{Error: err.Error(), Kind: kind, Result: res})
}

func statusForKind(kind string) int {
	switch kind {
	case dispatch.KindInvalidRequest:
		return http.StatusBadRequest
	case dispatch.KindUnauthorized:
		return http.StatusUnauthorized
	case session.KindNotFound:
		return http.StatusNotFound
	case session.KindInvalidState, session.KindStreamClosed:
		return http.StatusConflict
	case session.KindLaunchError:
		return http.StatusUnprocessableEntity
	case dispatch.KindRateLimited:
		return http.StatusTooManyRequests
	case session.KindCapacityExceeded, session.KindUnavailable:
		return http.StatusServiceUnavailable
	case session.KindExecTimeout, session.KindTimeout:
		return http.StatusGatewayTimeout
	case session.KindProcessIO:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
