package ingest_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/nfcstats/internal/apperr"
	"example.com/nfcstats/internal/docstore"
	"example.com/nfcstats/internal/domain"
	"example.com/nfcstats/internal/ingest"
	"example.com/nfcstats/internal/metrics"
	itest "example.com/nfcstats/internal/testutil"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// faultyStore counts transactions and fails merge-upserts chosen by fail.
type faultyStore struct {
	docstore.Store
	txs  atomic.Int64
	fail func(collection, key string) error
}

func (s *faultyStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx docstore.Tx) error) error {
	s.txs.Add(1)
	return s.Store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		return fn(ctx, &faultyTx{Tx: tx, s: s})
	})
}

type faultyTx struct {
	docstore.Tx
	s *faultyStore
}

func (t *faultyTx) MergeUpsert(ctx context.Context, collection, key string, fields docstore.Fields) (docstore.WriteResult, error) {
	if t.s.fail != nil {
		if err := t.s.fail(collection, key); err != nil {
			return docstore.WriteResult{}, err
		}
	}
	return t.Tx.MergeUpsert(ctx, collection, key, fields)
}

type fixture struct {
	store    *faultyStore
	pipeline *ingest.Pipeline
	metrics  *metrics.Metrics
	clock    *quartz.Mock
}

func newFixture(t *testing.T, rate float64) *fixture {
	t.Helper()
	clock := itest.NewClock(t)
	store := &faultyStore{Store: itest.NewStore(t, clock)}
	m := metrics.New(prometheus.NewRegistry())
	p := ingest.New(store, ingest.Options{
		Sampler: ingest.NewRateSampler(rate, nil),
		Clock:   clock,
		Logger:  itest.Logger(),
		Metrics: m,
	})
	return &fixture{store: store, pipeline: p, metrics: m, clock: clock}
}

func pageView(id, entity string, ts time.Time, page string) domain.Event {
	return domain.Event{ID: id, EntityID: entity, EventType: domain.EventPageView, Timestamp: ts, Page: page}
}

func countDocs(t *testing.T, s docstore.Store, collection string) int {
	t.Helper()
	res, err := s.Query(context.Background(), collection, docstore.Query{})
	require.NoError(t, err)
	return len(res.Documents)
}

func TestIngestEndToEnd(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)
	ctx := itest.Context(t)

	res, err := f.pipeline.Ingest(ctx, []domain.Event{{
		ID:        "a1",
		EntityID:  "u1",
		EventType: domain.EventPageView,
		Timestamp: t0,
		Metadata:  map[string]any{"critical": true},
	}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.AcceptedCount)

	ev, err := f.store.Get(ctx, domain.CollectionEvents, "a1")
	require.NoError(t, err)
	assert.Equal(t, "u1", ev.Data["entityId"])
	assert.Equal(t, "2024-01-01T00:00:00.000000000Z", ev.Data["receivedAt"])

	stats, err := f.store.Get(ctx, domain.CollectionStats, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Data["pageViews"])
	assert.Equal(t, int64(0), stats.Data["totalClicks"])
	assert.Equal(t, "2024-01-01T00:00:00.000000000Z", stats.Data["lastSeen"])
	assert.Equal(t, "2024-01-01T00:00:00.000000000Z", stats.Data["firstSeen"])
	assert.Equal(t, "unknown", stats.Data["platform"])
	assert.Equal(t, domain.DefaultSource, stats.Data["source"])
	assert.Len(t, stats.Data["history"], 1)
}

func TestIngestAcceptedCountIsInputSize(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)

	batch := []domain.Event{
		pageView("a", "u1", t0, "/"),
		pageView("b", "u1", t0, "/"),
		pageView("", "u2", t0, "/"),
	}
	res, err := f.pipeline.Ingest(itest.Context(t), batch)
	require.NoError(t, err)
	assert.Equal(t, 3, res.AcceptedCount)
	assert.Zero(t, countDocs(t, f.store, domain.CollectionEvents))
	assert.Zero(t, countDocs(t, f.store, domain.CollectionStats))
	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.EventsReceived))
	assert.Zero(t, testutil.ToFloat64(f.metrics.EventsSampled))
}

func TestIngestRejectsBeforeIO(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	ctx := itest.Context(t)

	_, err := f.pipeline.Ingest(ctx, nil)
	require.True(t, apperr.IsValidation(err))

	big := make([]domain.Event, ingest.DefaultBatchMaxSize+1)
	for i := range big {
		big[i] = pageView(fmt.Sprint(i), "u1", t0, "/")
	}
	_, err = f.pipeline.Ingest(ctx, big)
	require.True(t, apperr.IsValidation(err))

	_, err = f.pipeline.Ingest(ctx, []domain.Event{{ID: "x", EntityID: "u1"}})
	require.True(t, apperr.IsValidation(err))
	assert.NotEmpty(t, apperr.FieldsOf(err))

	assert.Zero(t, f.store.txs.Load(), "no transaction may start for a rejected batch")
}

func TestIngestNeverDropsCriticalEvents(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)
	ctx := itest.Context(t)

	const batches, perBatch = 10, 20
	for b := range batches {
		batch := make([]domain.Event, 0, perBatch*2)
		for i := range perBatch {
			crit := pageView(fmt.Sprintf("c-%d-%d", b, i), fmt.Sprintf("u%d", i%3), t0, "/")
			crit.Metadata = map[string]any{"critical": true}
			batch = append(batch, crit, pageView(fmt.Sprintf("n-%d-%d", b, i), "u9", t0, "/"))
		}
		_, err := f.pipeline.Ingest(ctx, batch)
		require.NoError(t, err)
	}

	assert.Equal(t, batches*perBatch, countDocs(t, f.store, domain.CollectionEvents))
	_, err := f.store.Get(ctx, domain.CollectionStats, "u9")
	require.ErrorIs(t, err, docstore.ErrNotFound, "unsampled events must not reach aggregates")
}

func TestIngestReplayDoesNotDoubleCount(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	ctx := itest.Context(t)

	batch := []domain.Event{
		pageView("a1", "u1", t0, "/home"),
		pageView("a1", "u1", t0, "/home"),
		{ID: "c1", EntityID: "u1", EventType: domain.EventButtonClick, Timestamp: t0},
	}
	for range 3 {
		_, err := f.pipeline.Ingest(ctx, batch)
		require.NoError(t, err)
	}

	stats, err := f.store.Get(ctx, domain.CollectionStats, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Data["pageViews"])
	assert.Equal(t, int64(1), stats.Data["totalClicks"])
	assert.Equal(t, 2, countDocs(t, f.store, domain.CollectionEvents))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.EventsPersisted))
}

func TestIngestLastSeenNeverRegresses(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	ctx := itest.Context(t)
	f.clock.Set(t0.Add(time.Hour))

	_, err := f.pipeline.Ingest(ctx, []domain.Event{pageView("late", "u1", t0.Add(time.Hour), "/late")})
	require.NoError(t, err)
	_, err = f.pipeline.Ingest(ctx, []domain.Event{pageView("early", "u1", t0, "/early")})
	require.NoError(t, err)

	stats, err := f.store.Get(ctx, domain.CollectionStats, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Data["pageViews"])
	assert.Equal(t, "2024-01-01T01:00:00.000000000Z", stats.Data["lastSeen"])
	assert.Equal(t, "/late", stats.Data["lastPage"])
	assert.Equal(t, "2024-01-01T00:00:00.000000000Z", stats.Data["firstSeen"])
	assert.Len(t, stats.Data["history"], 2)
}

func TestIngestRejectsFutureTimestamps(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	ctx := itest.Context(t)

	bogus := pageView("f1", "u1", time.Date(2999, 1, 1, 0, 0, 0, 0, time.UTC), "/bogus")
	_, err := f.pipeline.Ingest(ctx, []domain.Event{bogus})
	require.True(t, apperr.IsValidation(err))
	assert.Equal(t, []apperr.FieldError{
		{Field: "events[0].timestamp", Msg: "must not be in the future (beyond allowed skew)"},
	}, apperr.FieldsOf(err))
	assert.Zero(t, f.store.txs.Load())

	f.clock.Set(t0.Add(time.Hour))
	_, err = f.pipeline.Ingest(ctx, []domain.Event{pageView("r1", "u1", t0.Add(time.Hour), "/real")})
	require.NoError(t, err)

	stats, err := f.store.Get(ctx, domain.CollectionStats, "u1")
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01T01:00:00.000000000Z", stats.Data["lastSeen"])
	assert.Equal(t, "/real", stats.Data["lastPage"])
	assert.Equal(t, 1, countDocs(t, f.store, domain.CollectionEvents))
}

func TestIngestClockSkewIsConfigurable(t *testing.T) {
	t.Parallel()
	clock := itest.NewClock(t)
	p := ingest.New(itest.NewStore(t, clock), ingest.Options{
		Sampler:   ingest.NewRateSampler(1, nil),
		ClockSkew: time.Minute,
		Clock:     clock,
		Logger:    itest.Logger(),
	})
	ctx := itest.Context(t)

	_, err := p.Ingest(ctx, []domain.Event{pageView("a", "u1", t0.Add(time.Minute), "/")})
	require.NoError(t, err)
	_, err = p.Ingest(ctx, []domain.Event{pageView("b", "u1", t0.Add(2*time.Minute), "/")})
	require.True(t, apperr.IsValidation(err))
}

func TestIngestEntityFailuresAreIsolated(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	ctx := itest.Context(t)
	f.store.fail = func(collection, key string) error {
		if collection == domain.CollectionStats && key == "bad" {
			return errors.New("disk on fire")
		}
		return nil
	}

	res, err := f.pipeline.Ingest(ctx, []domain.Event{
		pageView("e1", "bad", t0, "/"),
		pageView("e2", "good", t0, "/"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.AcceptedCount)

	_, err = f.store.Get(ctx, domain.CollectionStats, "bad")
	require.ErrorIs(t, err, docstore.ErrNotFound)
	good, err := f.store.Get(ctx, domain.CollectionStats, "good")
	require.NoError(t, err)
	assert.Equal(t, int64(1), good.Data["pageViews"])

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.DeltaWrites.WithLabelValues(metrics.ResultFailed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.DeltaWrites.WithLabelValues(metrics.ResultOK)))
}

func TestIngestPersistFailureIsInternal(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	f.store.fail = func(collection, _ string) error {
		if collection == domain.CollectionEvents {
			return errors.New("write refused")
		}
		return nil
	}

	_, err := f.pipeline.Ingest(itest.Context(t), []domain.Event{pageView("e1", "u1", t0, "/")})
	require.ErrorIs(t, err, apperr.ErrInternal)
	assert.Zero(t, countDocs(t, f.store, domain.CollectionStats))
}

func TestIngestManyEntitiesConcurrently(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	ctx := itest.Context(t)

	batch := make([]domain.Event, 0, 100)
	for i := range 100 {
		batch = append(batch, pageView(fmt.Sprintf("e%d", i), fmt.Sprintf("u%d", i%25), t0.Add(time.Duration(i)*time.Second), "/"))
	}
	_, err := f.pipeline.Ingest(ctx, batch)
	require.NoError(t, err)

	assert.Equal(t, 25, countDocs(t, f.store, domain.CollectionStats))
	u0, err := f.store.Get(ctx, domain.CollectionStats, "u0")
	require.NoError(t, err)
	assert.Equal(t, int64(4), u0.Data["pageViews"])
	assert.Equal(t, "2024-01-01T00:01:15.000000000Z", u0.Data["lastSeen"])
}
