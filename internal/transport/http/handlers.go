package transporthttp

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"example.com/nfcstats/internal/domain"
)

// --- Health ---

func (d *ServerDeps) HandleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (d *ServerDeps) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := d.Store.Ready(r.Context()); err != nil {
		d.Logger.Warn("readiness check failed", "error", err)
		WriteProblem(w, http.StatusServiceUnavailable, "not ready", "document store not reachable", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Events ---

// HandlePostEventsBatch accepts a JSON array of events, or an object with an
// "events" array.
func (d *ServerDeps) HandlePostEventsBatch(w http.ResponseWriter, r *http.Request) {
	defer DrainBody(r)
	var raw json.RawMessage
	if err := decodeJSON(r, &raw, false); err != nil {
		d.fail(w, r, err)
		return
	}
	var events []domain.Event
	var err error
	if len(raw) > 0 && raw[0] == '{' {
		var wrapped struct {
			Events []domain.Event `json:"events"`
		}
		err = json.Unmarshal(raw, &wrapped)
		events = wrapped.Events
	} else {
		err = json.Unmarshal(raw, &events)
	}
	if err != nil {
		WriteProblem(w, http.StatusBadRequest, "invalid json", err.Error(), nil)
		return
	}
	res, err := d.Ingest.Ingest(r.Context(), events)
	if err != nil {
		d.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// --- Tags ---

// HandlePostTag records a scan. A repeat scan of the same tag within the
// debounce window is acknowledged without being recorded.
func (d *ServerDeps) HandlePostTag(w http.ResponseWriter, r *http.Request) {
	defer DrainBody(r)
	var req domain.ScanRequest
	if err := bind(r, &req); err != nil {
		d.fail(w, r, err)
		return
	}
	key := "scan:" + req.TagID
	if _, ok := d.debounce.Get(key); ok {
		writeJSON(w, http.StatusOK, map[string]any{"cached": true})
		return
	}
	res, err := d.Counter.RecordScan(r.Context(), req)
	if err != nil {
		d.fail(w, r, err)
		return
	}
	d.debounce.Set(key, struct{}{})
	writeJSON(w, http.StatusCreated, envelope{Data: res})
}

func (d *ServerDeps) HandleGetTag(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")
	if err := checkUID(uid, tagUIDRule); err != nil {
		d.fail(w, r, err)
		return
	}
	tag, err := d.Counter.GetTag(r.Context(), uid)
	if err != nil {
		d.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Data: tag})
}

func (d *ServerDeps) HandleListTags(w http.ResponseWriter, r *http.Request) {
	req, err := pageRequest(r)
	if err != nil {
		d.fail(w, r, err)
		return
	}
	page, err := d.Counter.ListTags(r.Context(), req)
	if err != nil {
		d.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// --- Stats ---

func (d *ServerDeps) HandleGetStats(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")
	if err := checkUID(uid, uidRule); err != nil {
		d.fail(w, r, err)
		return
	}
	s, err := d.Stats.GetEntity(r.Context(), uid)
	if err != nil {
		d.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Data: s})
}

func (d *ServerDeps) HandleListStats(w http.ResponseWriter, r *http.Request) {
	req, err := pageRequest(r)
	if err != nil {
		d.fail(w, r, err)
		return
	}
	page, err := d.Stats.ListEntities(r.Context(), req)
	if err != nil {
		d.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// --- Users ---

func (d *ServerDeps) HandleGetUser(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")
	if err := checkUID(uid, uidRule); err != nil {
		d.fail(w, r, err)
		return
	}
	p, err := d.Profiles.Get(r.Context(), uid)
	if err != nil {
		d.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Data: p})
}

// --- Clients ---

func (d *ServerDeps) HandlePostClient(w http.ResponseWriter, r *http.Request) {
	defer DrainBody(r)
	var in domain.ClientInput
	if err := bind(r, &in); err != nil {
		d.fail(w, r, err)
		return
	}
	c, err := d.Clients.Register(r.Context(), in)
	if err != nil {
		d.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, envelope{Data: c})
}

func (d *ServerDeps) HandleGetClient(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")
	if err := checkUID(uid, uidRule); err != nil {
		d.fail(w, r, err)
		return
	}
	c, err := d.Clients.Get(r.Context(), uid)
	if err != nil {
		d.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Data: c})
}

func (d *ServerDeps) HandleListClients(w http.ResponseWriter, r *http.Request) {
	req, err := pageRequest(r)
	if err != nil {
		d.fail(w, r, err)
		return
	}
	page, err := d.Clients.List(r.Context(), req)
	if err != nil {
		d.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func pageRequest(r *http.Request) (domain.PageRequest, error) {
	limit, err := intQuery(r, "limit")
	if err != nil {
		return domain.PageRequest{}, err
	}
	return domain.PageRequest{Limit: limit, Cursor: r.URL.Query().Get("startAfter")}, nil
}

func (d *ServerDeps) fail(w http.ResponseWriter, r *http.Request, err error) {
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) {
		WriteProblem(w, http.StatusRequestEntityTooLarge, "request too large", "body exceeds the configured limit", nil)
		return
	}
	writeError(w, r, d.Logger, err)
}
