// Package stats serves entity aggregates through the read cache.
package stats

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/coder/quartz"

	"example.com/nfcstats/internal/apperr"
	"example.com/nfcstats/internal/cache"
	"example.com/nfcstats/internal/docstore"
	"example.com/nfcstats/internal/domain"
	"example.com/nfcstats/internal/metrics"
	"example.com/nfcstats/internal/timefmt"
)

const DefaultCacheTTL = 60 * time.Second

type Options struct {
	Clock   quartz.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// CacheTTL and MaxEntries size the projector's own caches.
	CacheTTL   time.Duration
	MaxEntries int
}

// Projector reads aggregates. Cached values are never invalidated by writes,
// so a read may lag the store by up to the cache TTL.
type Projector struct {
	store docstore.Store
	log   *slog.Logger
	one   *cache.Cache[domain.Stats]
	pages *cache.Cache[domain.StatsPage]
}

func New(store docstore.Store, opts Options) *Projector {
	if opts.CacheTTL == 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Projector{
		store: store,
		log:   opts.Logger,
		one: cache.New[domain.Stats](cache.Options{
			Name: "stats", TTL: opts.CacheTTL, MaxEntries: opts.MaxEntries, Clock: opts.Clock, Metrics: opts.Metrics,
		}),
		pages: cache.New[domain.StatsPage](cache.Options{
			Name: "stats_list", TTL: opts.CacheTTL, MaxEntries: opts.MaxEntries, Clock: opts.Clock, Metrics: opts.Metrics,
		}),
	}
}

// GetEntity returns the aggregate for id. A cache hit does not touch the store.
func (p *Projector) GetEntity(ctx context.Context, id string) (domain.Stats, error) {
	const op = "stats.GetEntity"
	if id == "" {
		return domain.Stats{}, apperr.Validation(op, "uid is required", apperr.FieldError{Field: "uid", Msg: "required"})
	}
	key := "stats:" + id
	if s, ok := p.one.Get(key); ok {
		return s, nil
	}
	doc, err := p.store.Get(ctx, domain.CollectionStats, id)
	if errors.Is(err, docstore.ErrNotFound) {
		return domain.Stats{}, apperr.NotFound(op, "stats for uid", id)
	}
	if err != nil {
		return domain.Stats{}, apperr.Internal(op, err)
	}
	s, err := Project(doc)
	if err != nil {
		p.log.Error("stored aggregate is malformed", "op", op, "entityId", id, "error", err)
		return domain.Stats{}, apperr.Internal(op, err)
	}
	p.one.Set(key, s)
	return s, nil
}

// ListEntities pages through aggregates by lastSeen, newest first. Each
// (limit, cursor) pair is cached independently. The cursor is exclusive on
// lastSeen alone, so an entity tying with the previous page's last item is
// skipped.
func (p *Projector) ListEntities(ctx context.Context, req domain.PageRequest) (domain.StatsPage, error) {
	const op = "stats.ListEntities"
	page, err := req.Resolve(op)
	if err != nil {
		return domain.StatsPage{}, err
	}
	key := "stats:list:" + page.CacheKey()
	if cached, ok := p.pages.Get(key); ok {
		return cached, nil
	}

	q := docstore.Query{OrderBy: "lastSeen", Direction: docstore.Desc, Limit: page.Limit}
	if page.HasCursor {
		q.StartAfter = page.Cursor
	}
	res, err := p.store.Query(ctx, domain.CollectionStats, q)
	if err != nil {
		return domain.StatsPage{}, apperr.Internal(op, err)
	}

	out := domain.StatsPage{Data: make([]domain.Stats, 0, len(res.Documents))}
	for i := range res.Documents {
		s, err := Project(&res.Documents[i])
		if err != nil {
			p.log.Error("stored aggregate is malformed", "op", op, "entityId", res.Documents[i].Key, "error", err)
			return domain.StatsPage{}, apperr.Internal(op, err)
		}
		out.Data = append(out.Data, s)
	}
	var last string
	if n := len(out.Data); n > 0 {
		last = out.Data[n-1].LastSeen
	}
	out.NextCursor = page.NextCursor(len(out.Data), res.HasMore, last)
	p.pages.Set(key, out)
	return out, nil
}

// Project converts a stored aggregate document to its read form. Any stored
// timestamp shape is accepted; one that cannot be read is an error.
func Project(doc *docstore.Document) (domain.Stats, error) {
	s := domain.Stats{
		EntityID:    doc.Key,
		PageViews:   toInt(doc.Data["pageViews"]),
		TotalClicks: toInt(doc.Data["totalClicks"]),
		LastPage:    optString(doc.Data["lastPage"]),
		Platform:    str(doc.Data["platform"]),
		Source:      str(doc.Data["source"]),

		LastSessionID: optString(doc.Data["lastSessionId"]),
	}

	var err error
	if s.LastSeen, err = timefmt.Normalize(doc.Data["lastSeen"]); err != nil {
		return domain.Stats{}, err
	}
	if v, ok := doc.Data["firstSeen"]; ok && v != nil {
		fs, err := timefmt.Normalize(v)
		if err != nil {
			return domain.Stats{}, err
		}
		s.FirstSeen = &fs
	}
	return s, nil
}

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

func str(v any) string {
	s, _ := v.(string)
	return s
}

func optString(v any) *string {
	s, ok := v.(string)
	if !ok || s == "" {
		return nil
	}
	return &s
}
