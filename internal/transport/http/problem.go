package transporthttp

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"example.com/nfcstats/internal/apperr"
)

// Problem is an RFC 7807 problem document.
type Problem struct {
	Type     string              `json:"type,omitempty"`
	Title    string              `json:"title,omitempty"`
	Status   int                 `json:"status,omitempty"`
	Detail   string              `json:"detail,omitempty"`
	Instance string              `json:"instance,omitempty"`
	Errors   map[string][]string `json:"errors,omitempty"`
}

func WriteProblem(w http.ResponseWriter, status int, title, detail string, errs map[string][]string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Problem{
		Title:  title,
		Status: status,
		Detail: detail,
		Errors: errs,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type envelope struct {
	Data any `json:"data"`
}

// writeError maps a service error to a problem response. Internal causes are
// logged and never sent to the client.
func writeError(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error) {
	var e *apperr.Error
	msg := ""
	if errors.As(err, &e) {
		msg = e.Msg
	}
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		var fields map[string][]string
		for _, fe := range apperr.FieldsOf(err) {
			if fields == nil {
				fields = map[string][]string{}
			}
			fields[fe.Field] = append(fields[fe.Field], fe.Msg)
		}
		WriteProblem(w, http.StatusBadRequest, "validation failed", msg, fields)
	case apperr.KindNotFound:
		WriteProblem(w, http.StatusNotFound, "not found", msg, nil)
	case apperr.KindConflict:
		w.Header().Set("Retry-After", "1")
		WriteProblem(w, http.StatusConflict, "conflict", msg, nil)
	default:
		log.Error("request failed",
			"method", r.Method, "path", r.URL.Path,
			"correlationId", CorrelationID(r.Context()), "error", err)
		WriteProblem(w, http.StatusInternalServerError, "internal error", "an unexpected error occurred", nil)
	}
}
