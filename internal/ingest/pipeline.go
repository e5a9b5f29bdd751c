// Package ingest accepts event batches: it samples them, persists the sample
// idempotently and folds the newly stored events into per-entity aggregates.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"example.com/nfcstats/internal/aggregate"
	"example.com/nfcstats/internal/apperr"
	"example.com/nfcstats/internal/docstore"
	"example.com/nfcstats/internal/domain"
	"example.com/nfcstats/internal/idempotency"
	"example.com/nfcstats/internal/metrics"
	"example.com/nfcstats/internal/timefmt"
)

const (
	DefaultBatchMaxSize      = 500
	DefaultFanoutConcurrency = 16
	DefaultClockSkew         = 5 * time.Minute
)

type Options struct {
	BatchMaxSize      int
	FanoutConcurrency int
	// ClockSkew is how far past Clock.Now an event timestamp may be.
	// Zero selects DefaultClockSkew.
	ClockSkew time.Duration
	// Sampler defaults to a RateSampler at DefaultSampleRate.
	Sampler Sampler
	Clock   quartz.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type Pipeline struct {
	store    docstore.Store
	batchMax int
	fanout   int
	skew     time.Duration
	sampler  Sampler
	clock    quartz.Clock
	log      *slog.Logger
	metrics  *metrics.Metrics
}

func New(store docstore.Store, opts Options) *Pipeline {
	if opts.BatchMaxSize <= 0 {
		opts.BatchMaxSize = DefaultBatchMaxSize
	}
	if opts.FanoutConcurrency <= 0 {
		opts.FanoutConcurrency = DefaultFanoutConcurrency
	}
	if opts.ClockSkew <= 0 {
		opts.ClockSkew = DefaultClockSkew
	}
	if opts.Sampler == nil {
		opts.Sampler = NewRateSampler(DefaultSampleRate, nil)
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(prometheus.NewRegistry())
	}
	return &Pipeline{
		store:    store,
		batchMax: opts.BatchMaxSize,
		fanout:   opts.FanoutConcurrency,
		skew:     opts.ClockSkew,
		sampler:  opts.Sampler,
		clock:    opts.Clock,
		log:      opts.Logger,
		metrics:  opts.Metrics,
	}
}

type Result struct {
	AcceptedCount int `json:"acceptedCount"`
}

// Outcome is the result of applying one entity's delta.
type Outcome struct {
	EntityID string
	Err      error
}

// Ingest validates, samples and persists batch, then updates the aggregates
// of every entity with a newly stored event. AcceptedCount is len(batch)
// regardless of how many events were kept.
//
// Aggregate updates are best effort: a failed entity is logged and does not
// fail the call. Once validation passes the call runs to completion even if
// ctx is cancelled.
func (p *Pipeline) Ingest(ctx context.Context, batch []domain.Event) (Result, error) {
	const op = "ingest.Ingest"
	start := p.clock.Now()
	if err := domain.ValidateBatch(batch, p.batchMax, start, p.skew); err != nil {
		return Result{}, err
	}
	ctx = context.WithoutCancel(ctx)
	p.metrics.EventsReceived.Add(float64(len(batch)))

	sampled := p.sample(batch)
	p.metrics.EventsSampled.Add(float64(len(sampled)))

	created, err := p.persist(ctx, sampled)
	if err != nil {
		p.log.Error("persist events failed", "op", op, "events", len(sampled), "error", err)
		if errors.Is(err, docstore.ErrConflict) {
			return Result{}, apperr.Conflict(op, err)
		}
		return Result{}, apperr.Internal(op, err)
	}
	p.metrics.EventsPersisted.Add(float64(len(created)))

	outcomes := p.applyDeltas(ctx, aggregate.Fold(created))
	failed := 0
	for _, o := range outcomes {
		if o.Err != nil {
			failed++
		}
	}

	p.metrics.IngestSeconds.Observe(p.clock.Since(start).Seconds())
	p.log.Debug("batch ingested",
		"received", len(batch), "sampled", len(sampled), "created", len(created),
		"entities", len(outcomes), "entityFailures", failed)
	return Result{AcceptedCount: len(batch)}, nil
}

// sample returns the keyed events the sampler keeps, in input order.
func (p *Pipeline) sample(batch []domain.Event) []domain.Event {
	out := make([]domain.Event, 0, len(batch))
	for i := range batch {
		ev := batch[i]
		id, ok := idempotency.Key(&ev)
		if !ok {
			continue
		}
		ev.ID = id
		if p.sampler.Keep(&ev) {
			out = append(out, ev)
		}
	}
	return out
}

// persist merge-upserts events in one transaction and returns those whose
// document did not exist before. Replays of stored ids are merged again but
// not returned, so they never reach the aggregates twice.
func (p *Pipeline) persist(ctx context.Context, events []domain.Event) ([]domain.Event, error) {
	if len(events) == 0 {
		return nil, nil
	}
	var created []domain.Event
	err := p.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		created = created[:0]
		for i := range events {
			ev := &events[i]
			fp := idempotency.Fingerprint(ev)
			if prev, err := tx.Get(ctx, domain.CollectionEvents, ev.ID); err == nil {
				if stored, _ := prev.Data["fingerprint"].(string); stored != "" && stored != fp {
					p.log.Warn("event id reused with different content", "id", ev.ID, "entityId", ev.EntityID)
				}
			} else if !errors.Is(err, docstore.ErrNotFound) {
				return err
			}
			res, err := tx.MergeUpsert(ctx, domain.CollectionEvents, ev.ID, eventFields(ev, fp))
			if err != nil {
				return err
			}
			if res.Created {
				created = append(created, *ev)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func eventFields(ev *domain.Event, fingerprint string) docstore.Fields {
	f := docstore.Fields{
		"id":          ev.ID,
		"entityId":    ev.EntityID,
		"eventType":   ev.EventType,
		"timestamp":   ev.Timestamp,
		"source":      ev.SourceOrDefault(),
		"fingerprint": fingerprint,
		"receivedAt":  docstore.ServerTimestamp(),
	}
	if ev.Page != "" {
		f["page"] = ev.Page
	}
	if ev.URL != "" {
		f["url"] = ev.URL
	}
	if ev.SessionID != "" {
		f["sessionId"] = ev.SessionID
	}
	if len(ev.Metadata) > 0 {
		f["metadata"] = ev.Metadata
	}
	return f
}

// applyDeltas writes every delta concurrently and gathers one outcome per
// entity. Failures are logged and counted; they never cancel the others.
func (p *Pipeline) applyDeltas(ctx context.Context, deltas map[string]aggregate.Delta) []Outcome {
	ids := make([]string, 0, len(deltas))
	for id := range deltas {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	outcomes := make([]Outcome, len(ids))
	var g errgroup.Group
	g.SetLimit(p.fanout)
	for i, id := range ids {
		g.Go(func() error {
			err := p.applyDelta(ctx, deltas[id])
			outcomes[i] = Outcome{EntityID: id, Err: err}
			if err != nil {
				p.metrics.DeltaWrites.WithLabelValues(metrics.ResultFailed).Inc()
				p.log.Warn("aggregate update failed", "entityId", id, "error", err)
				return nil
			}
			p.metrics.DeltaWrites.WithLabelValues(metrics.ResultOK).Inc()
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// applyDelta adds d to the entity's aggregate. Counters and history always
// apply; lastSeen, lastPage and lastSessionId are replaced only when d is
// strictly newer than the stored lastSeen, and an empty page or session id
// never clears a stored one.
func (p *Pipeline) applyDelta(ctx context.Context, d aggregate.Delta) error {
	return p.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		doc, err := tx.Get(ctx, domain.CollectionStats, d.EntityID)
		exists := err == nil
		if err != nil && !errors.Is(err, docstore.ErrNotFound) {
			return err
		}

		fields := docstore.Fields{
			"entityId":    d.EntityID,
			"pageViews":   docstore.Increment(d.PageViews),
			"totalClicks": docstore.Increment(d.Clicks),
			"platform":    d.Platform,
			"source":      d.Source,
			"history":     docstore.Append(d.LastSeen),
		}

		newer, earlier := true, true
		if exists {
			if stored, err := timefmt.ToTime(doc.Data["lastSeen"]); err == nil {
				newer = d.LastSeen.After(stored)
			}
			if stored, err := timefmt.ToTime(doc.Data["firstSeen"]); err == nil {
				earlier = d.FirstSeen.Before(stored)
			}
		}
		if newer {
			fields["lastSeen"] = d.LastSeen
			if d.LastPage != "" {
				fields["lastPage"] = d.LastPage
			}
			if d.LastSessionID != "" {
				fields["lastSessionId"] = d.LastSessionID
			}
		}
		if earlier {
			fields["firstSeen"] = d.FirstSeen
		}

		_, err = tx.MergeUpsert(ctx, domain.CollectionStats, d.EntityID, fields)
		return err
	})
}
