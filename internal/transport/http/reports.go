package transporthttp

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// reportRoutes mounts the read-only analytics endpoints.
func (d *ServerDeps) reportRoutes(r chi.Router) {
	r.Get("/scans/daily", func(w http.ResponseWriter, r *http.Request) {
		d.respond(w, r)(d.Reports.DailyScans(r.Context()))
	})
	r.Get("/web/daily", func(w http.ResponseWriter, r *http.Request) {
		days, err := intQuery(r, "days")
		if err != nil {
			d.fail(w, r, err)
			return
		}
		d.respond(w, r)(d.Reports.DailyWeb(r.Context(), days))
	})
	r.Get("/web/hours", func(w http.ResponseWriter, r *http.Request) {
		days, err := intQuery(r, "days")
		if err != nil {
			d.fail(w, r, err)
			return
		}
		d.respond(w, r)(d.Reports.HourlyDistribution(r.Context(), days))
	})
	r.Get("/web/conversion", func(w http.ResponseWriter, r *http.Request) {
		d.respond(w, r)(d.Reports.ConversionRate(r.Context()))
	})
	r.Get("/uids/retention", func(w http.ResponseWriter, r *http.Request) {
		d.respond(w, r)(d.Reports.Retention(r.Context()))
	})
	r.Get("/web/locations", func(w http.ResponseWriter, r *http.Request) {
		limit, err := intQuery(r, "limit")
		if err != nil {
			d.fail(w, r, err)
			return
		}
		d.respond(w, r)(d.Reports.Locations(r.Context(), limit))
	})
	r.Get("/web/funnel", func(w http.ResponseWriter, r *http.Request) {
		d.respond(w, r)(d.Reports.Funnel(r.Context()))
	})
	r.Get("/web/active", func(w http.ResponseWriter, r *http.Request) {
		days, err := intQuery(r, "days")
		if err != nil {
			d.fail(w, r, err)
			return
		}
		d.respond(w, r)(d.Reports.ActiveUsers(r.Context(), days))
	})
	r.Get("/users/{uid}/history", func(w http.ResponseWriter, r *http.Request) {
		uid := chi.URLParam(r, "uid")
		if err := checkUID(uid, uidRule); err != nil {
			d.fail(w, r, err)
			return
		}
		limit, err := intQuery(r, "limit")
		if err != nil {
			d.fail(w, r, err)
			return
		}
		d.respond(w, r)(d.Reports.UserHistory(r.Context(), uid, limit))
	})
	r.Get("/events/recent", func(w http.ResponseWriter, r *http.Request) {
		limit, err := intQuery(r, "limit")
		if err != nil {
			d.fail(w, r, err)
			return
		}
		d.respond(w, r)(d.Reports.RecentEvents(r.Context(), limit, r.URL.Query().Get("startAfter")))
	})
}

// respond returns a sink for a (result, error) pair that writes either the
// result under "data" or the error.
func (d *ServerDeps) respond(w http.ResponseWriter, r *http.Request) func(any, error) {
	return func(v any, err error) {
		if err != nil {
			d.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, envelope{Data: v})
	}
}
