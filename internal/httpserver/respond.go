package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/kiwiadmin/kiwi/internal/kiwierr"
)

// Respond writes data as a JSON response with the given status. The body is
// marshaled before any byte is written, so a marshaling failure still
// produces a well-formed 500 instead of a truncated 200.
func Respond(w http.ResponseWriter, status int, data any) {
	if data == nil {
		w.WriteHeader(status)
		return
	}

	body, err := json.Marshal(data)
	if err != nil {
		slog.Error("encoding response body", "error", err)
		RespondPlain(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// RespondPlain writes a plain-text body with the given status code, per the
// error-body convention: non-5xx statuses are human-readable text.
func RespondPlain(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(message))
}

// RespondErr writes err using the kiwierr taxonomy: its mapped HTTP status,
// and either its own message (< 500) or the literal "internal server error"
// (>= 500) — the underlying cause is never sent to the client.
func RespondErr(w http.ResponseWriter, logger *slog.Logger, err error) {
	status := kiwierr.Status(err)
	if status >= 500 {
		logger.Error("internal error", "error", err, "code", kiwierr.CodeOf(err))
	}
	RespondPlain(w, status, kiwierr.ClientMessage(err))
}
