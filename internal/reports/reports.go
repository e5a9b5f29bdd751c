// Package reports computes read-only analytics over the sampled event log
// and the entity aggregates. Event-based reports only see events that
// survived sampling.
package reports

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/coder/quartz"

	"example.com/nfcstats/internal/apperr"
	"example.com/nfcstats/internal/docstore"
	"example.com/nfcstats/internal/domain"
	"example.com/nfcstats/internal/timefmt"
)

// Parameter bounds and defaults.
const (
	DefaultWindowDays  = 30
	DefaultActiveDays  = 7
	MaxWindowDays      = 365
	DefaultTopLocation = 10
	MaxTopLocation     = 100
	DefaultHistory     = 50
	MaxHistory         = 500
	DefaultRecent      = 100
	MaxRecent          = 1000

	UnknownCity = "unknown"
)

const day = 24 * time.Hour

type DayScans struct {
	Date  string `json:"date"`
	Scans int    `json:"scans"`
}

type DayWeb struct {
	Date      string `json:"date"`
	PageViews int    `json:"pageViews"`
	Clicks    int    `json:"clicks"`
}

type HourCount struct {
	Hour  int `json:"hour"`
	Count int `json:"count"`
}

type Conversion struct {
	PageViews     int64   `json:"pageViews"`
	Registrations int     `json:"registrations"`
	Rate          float64 `json:"rate"`
}

type RetentionBucket struct {
	DaysSinceFirst int `json:"daysSinceFirst"`
	Users          int `json:"users"`
}

type LocationCount struct {
	City  string `json:"city"`
	Count int    `json:"count"`
}

type FunnelStep struct {
	Step  string `json:"step"`
	Count int    `json:"count"`
}

type ActiveUsers struct {
	Days        int `json:"days"`
	ActiveUsers int `json:"activeUsers"`
}

// FunnelSteps are the conversion funnel stages, in order.
var FunnelSteps = []string{domain.EventPageView, domain.EventFormSubmit, domain.EventSignup}

type Service struct {
	store docstore.Store
	clock quartz.Clock
	log   *slog.Logger
}

func New(store docstore.Store, clock quartz.Clock, logger *slog.Logger) *Service {
	if clock == nil {
		clock = quartz.NewReal()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, clock: clock, log: logger}
}

// DailyScans counts nfcScan events per UTC day, oldest day first.
func (s *Service) DailyScans(ctx context.Context) ([]DayScans, error) {
	const op = "reports.DailyScans"
	events, err := s.events(ctx, op, docstore.Query{
		Filters: []docstore.Filter{{Field: "eventType", Op: docstore.OpEq, Value: domain.EventNFCScan}},
	})
	if err != nil {
		return nil, err
	}
	counts := map[string]int{}
	for i := range events {
		counts[dayOf(events[i].Timestamp)]++
	}
	out := make([]DayScans, 0, len(counts))
	for d, n := range counts {
		out = append(out, DayScans{Date: d, Scans: n})
	}
	slices.SortFunc(out, func(a, b DayScans) int { return cmp.Compare(a.Date, b.Date) })
	return out, nil
}

// DailyWeb counts page views and clicks per UTC day over the last days days.
// A zero days means DefaultWindowDays.
func (s *Service) DailyWeb(ctx context.Context, days int) ([]DayWeb, error) {
	const op = "reports.DailyWeb"
	events, err := s.window(ctx, op, days, DefaultWindowDays)
	if err != nil {
		return nil, err
	}
	counts := map[string]*DayWeb{}
	for i := range events {
		d := dayOf(events[i].Timestamp)
		c, ok := counts[d]
		if !ok {
			c = &DayWeb{Date: d}
			counts[d] = c
		}
		switch events[i].EventType {
		case domain.EventPageView:
			c.PageViews++
		case domain.EventButtonClick:
			c.Clicks++
		}
	}
	out := make([]DayWeb, 0, len(counts))
	for _, c := range counts {
		out = append(out, *c)
	}
	slices.SortFunc(out, func(a, b DayWeb) int { return cmp.Compare(a.Date, b.Date) })
	return out, nil
}

// HourlyDistribution buckets events of the last days days by UTC hour. All
// 24 hours are always present.
func (s *Service) HourlyDistribution(ctx context.Context, days int) ([]HourCount, error) {
	const op = "reports.HourlyDistribution"
	events, err := s.window(ctx, op, days, DefaultWindowDays)
	if err != nil {
		return nil, err
	}
	out := make([]HourCount, 24)
	for h := range out {
		out[h].Hour = h
	}
	for i := range events {
		out[events[i].Timestamp.UTC().Hour()].Count++
	}
	return out, nil
}

// ConversionRate is active clients over total page views. The rate is zero
// when there are no page views.
func (s *Service) ConversionRate(ctx context.Context) (Conversion, error) {
	const op = "reports.ConversionRate"
	aggs, err := s.query(ctx, op, domain.CollectionStats, docstore.Query{})
	if err != nil {
		return Conversion{}, err
	}
	var c Conversion
	for i := range aggs {
		c.PageViews += toInt(aggs[i].Data["pageViews"])
	}
	cls, err := s.query(ctx, op, domain.CollectionClients, docstore.Query{})
	if err != nil {
		return Conversion{}, err
	}
	for i := range cls {
		if active, _ := cls[i].Data["active"].(bool); active {
			c.Registrations++
		}
	}
	if c.PageViews > 0 {
		c.Rate = float64(c.Registrations) / float64(c.PageViews)
	}
	return c, nil
}

// Retention groups entities by whole days elapsed since their firstSeen.
// Entities without a readable firstSeen are left out.
func (s *Service) Retention(ctx context.Context) ([]RetentionBucket, error) {
	const op = "reports.Retention"
	aggs, err := s.query(ctx, op, domain.CollectionStats, docstore.Query{})
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	counts := map[int]int{}
	for i := range aggs {
		first, err := timefmt.ToTime(aggs[i].Data["firstSeen"])
		if err != nil {
			continue
		}
		counts[int(now.Sub(first)/day)]++
	}
	out := make([]RetentionBucket, 0, len(counts))
	for d, n := range counts {
		out = append(out, RetentionBucket{DaysSinceFirst: d, Users: n})
	}
	slices.SortFunc(out, func(a, b RetentionBucket) int { return cmp.Compare(a.DaysSinceFirst, b.DaysSinceFirst) })
	return out, nil
}

// Locations returns the limit most frequent metadata.city values. Events
// without a city count as UnknownCity. Ties are broken by city name.
func (s *Service) Locations(ctx context.Context, limit int) ([]LocationCount, error) {
	const op = "reports.Locations"
	limit, err := bounded(op, "limit", limit, DefaultTopLocation, MaxTopLocation)
	if err != nil {
		return nil, err
	}
	events, err := s.events(ctx, op, docstore.Query{})
	if err != nil {
		return nil, err
	}
	counts := map[string]int{}
	for i := range events {
		city, _ := events[i].Metadata["city"].(string)
		if city == "" {
			city = UnknownCity
		}
		counts[city]++
	}
	out := make([]LocationCount, 0, len(counts))
	for c, n := range counts {
		out = append(out, LocationCount{City: c, Count: n})
	}
	slices.SortFunc(out, func(a, b LocationCount) int {
		if a.Count != b.Count {
			return cmp.Compare(b.Count, a.Count)
		}
		return cmp.Compare(a.City, b.City)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Funnel counts events at each FunnelSteps stage.
func (s *Service) Funnel(ctx context.Context) ([]FunnelStep, error) {
	const op = "reports.Funnel"
	out := make([]FunnelStep, len(FunnelSteps))
	for i, step := range FunnelSteps {
		docs, err := s.query(ctx, op, domain.CollectionEvents, docstore.Query{
			Filters: []docstore.Filter{{Field: "eventType", Op: docstore.OpEq, Value: step}},
		})
		if err != nil {
			return nil, err
		}
		out[i] = FunnelStep{Step: step, Count: len(docs)}
	}
	return out, nil
}

// UserHistory returns the entity's most recent events, newest first.
func (s *Service) UserHistory(ctx context.Context, uid string, limit int) ([]domain.Event, error) {
	const op = "reports.UserHistory"
	if uid == "" {
		return nil, apperr.Validation(op, "uid is required", apperr.FieldError{Field: "uid", Msg: "required"})
	}
	limit, err := bounded(op, "limit", limit, DefaultHistory, MaxHistory)
	if err != nil {
		return nil, err
	}
	return s.events(ctx, op, docstore.Query{
		Filters:   []docstore.Filter{{Field: "entityId", Op: docstore.OpEq, Value: uid}},
		OrderBy:   "timestamp",
		Direction: docstore.Desc,
		Limit:     limit,
	})
}

// RecentEvents returns the newest events, optionally strictly before the
// cursor instant.
func (s *Service) RecentEvents(ctx context.Context, limit int, cursor string) ([]domain.Event, error) {
	const op = "reports.RecentEvents"
	limit, err := bounded(op, "limit", limit, DefaultRecent, MaxRecent)
	if err != nil {
		return nil, err
	}
	cur, ok, err := timefmt.ParseCursor(cursor)
	if err != nil {
		return nil, apperr.Validation(op, "invalid cursor",
			apperr.FieldError{Field: "startAfter", Msg: "must be an ISO 8601 instant"})
	}
	q := docstore.Query{OrderBy: "timestamp", Direction: docstore.Desc, Limit: limit}
	if ok {
		q.StartAfter = cur
	}
	return s.events(ctx, op, q)
}

// ActiveUsers counts entities seen strictly within the last days days.
func (s *Service) ActiveUsers(ctx context.Context, days int) (ActiveUsers, error) {
	const op = "reports.ActiveUsers"
	days, err := bounded(op, "days", days, DefaultActiveDays, MaxWindowDays)
	if err != nil {
		return ActiveUsers{}, err
	}
	cutoff := s.clock.Now().Add(-time.Duration(days) * day)
	docs, err := s.query(ctx, op, domain.CollectionStats, docstore.Query{
		Filters: []docstore.Filter{{Field: "lastSeen", Op: docstore.OpGt, Value: cutoff}},
	})
	if err != nil {
		return ActiveUsers{}, err
	}
	return ActiveUsers{Days: days, ActiveUsers: len(docs)}, nil
}

func (s *Service) window(ctx context.Context, op string, days, def int) ([]domain.Event, error) {
	days, err := bounded(op, "days", days, def, MaxWindowDays)
	if err != nil {
		return nil, err
	}
	cutoff := s.clock.Now().Add(-time.Duration(days) * day)
	return s.events(ctx, op, docstore.Query{
		Filters: []docstore.Filter{{Field: "timestamp", Op: docstore.OpGte, Value: cutoff}},
	})
}

func (s *Service) events(ctx context.Context, op string, q docstore.Query) ([]domain.Event, error) {
	docs, err := s.query(ctx, op, domain.CollectionEvents, q)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Event, 0, len(docs))
	for i := range docs {
		var ev domain.Event
		if err := docs[i].DataTo(&ev); err != nil {
			s.log.Error("stored event is malformed", "op", op, "id", docs[i].Key, "error", err)
			return nil, apperr.Internal(op, err)
		}
		if ev.ID == "" {
			ev.ID = docs[i].Key
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *Service) query(ctx context.Context, op, collection string, q docstore.Query) ([]docstore.Document, error) {
	res, err := s.store.Query(ctx, collection, q)
	if err != nil {
		return nil, apperr.Internal(op, err)
	}
	return res.Documents, nil
}

func bounded(op, field string, v, def, maxV int) (int, error) {
	if v == 0 {
		return def, nil
	}
	if v < 1 || v > maxV {
		return 0, apperr.Validation(op, "invalid "+field,
			apperr.FieldError{Field: field, Msg: fmt.Sprintf("must be between 1 and %d", maxV)})
	}
	return v, nil
}

func dayOf(t time.Time) string { return t.UTC().Format(time.DateOnly) }

func toInt(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case float64:
		return int64(x)
	default:
		return 0
	}
}
