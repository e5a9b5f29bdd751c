package counter_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/nfcstats/internal/apperr"
	"example.com/nfcstats/internal/counter"
	"example.com/nfcstats/internal/docstore"
	"example.com/nfcstats/internal/domain"
	itest "example.com/nfcstats/internal/testutil"
)

func scan(tag string) domain.ScanRequest {
	return domain.ScanRequest{TagID: tag, URL: "https://example.com/t/" + tag, DeviceID: "dev1", ScanType: "nfc"}
}

func TestRecordScanCreatesThenIncrements(t *testing.T) {
	t.Parallel()
	ctx := itest.Context(t)
	clock := itest.NewClock(t)
	store := itest.NewStore(t, clock)
	svc := counter.New(store, counter.Options{Clock: clock, Logger: itest.Logger()})

	res, err := svc.RecordScan(ctx, scan("04aa"))
	require.NoError(t, err)
	assert.Equal(t, domain.ScanResult{TagID: "04aa", Token: 1}, res)

	clock.Advance(time.Minute)
	loc := "Lima"
	second := scan("04aa")
	second.DeviceID = "dev2"
	second.ScanType = "qr"
	second.Location = &loc
	res, err = svc.RecordScan(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Token)

	tag, err := svc.GetTag(ctx, "04aa")
	require.NoError(t, err)
	assert.Equal(t, int64(2), tag.Token)
	assert.Equal(t, "2024-01-01T00:00:00Z", tag.FirstSeen)
	assert.Equal(t, "2024-01-01T00:01:00Z", tag.LastSeen)
	assert.Equal(t, "dev2", tag.LastDevice)
	assert.Equal(t, "qr", tag.LastScanType)
	require.NotNil(t, tag.LastLocation)
	assert.Equal(t, "Lima", *tag.LastLocation)
	require.Len(t, tag.Historial, 2)
	assert.Equal(t, domain.ScanEntry{Timestamp: "2024-01-01T00:00:00Z", DeviceID: "dev1", ScanType: "nfc"}, tag.Historial[0])
	assert.Equal(t, "2024-01-01T00:01:00Z", tag.Historial[1].Timestamp)
}

func TestRecordScanReadsFloatToken(t *testing.T) {
	t.Parallel()
	ctx := itest.Context(t)
	clock := itest.NewClock(t)
	store := &floatTokenStore{Store: itest.NewStore(t, clock)}
	svc := counter.New(store, counter.Options{Clock: clock, Logger: itest.Logger()})

	for want := int64(1); want <= 3; want++ {
		res, err := svc.RecordScan(ctx, scan("04aa"))
		require.NoError(t, err)
		assert.Equal(t, want, res.Token)
	}
}

func TestRecordScanValidation(t *testing.T) {
	t.Parallel()
	store := &countingStore{Store: itest.NewStore(t, itest.NewClock(t))}
	svc := counter.New(store, counter.Options{Logger: itest.Logger()})

	_, err := svc.RecordScan(itest.Context(t), domain.ScanRequest{TagID: "04aa", URL: "https://x"})
	require.True(t, apperr.IsValidation(err))
	assert.Equal(t, []apperr.FieldError{
		{Field: "deviceId", Msg: "required"},
		{Field: "scanType", Msg: "required"},
	}, apperr.FieldsOf(err))
	assert.Zero(t, store.txs)
}

func TestRecordScanConcurrentNoLostUpdates(t *testing.T) {
	t.Parallel()
	ctx := itest.Context(t)
	clock := itest.NewClock(t)
	svc := counter.New(itest.NewStore(t, clock), counter.Options{Clock: clock, Logger: itest.Logger()})

	const k = 50
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		tokens = make(map[int64]bool, k)
	)
	for i := range k {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := scan("04bb")
			req.DeviceID = fmt.Sprintf("dev%d", i)
			res, err := svc.RecordScan(ctx, req)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			tokens[res.Token] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	// Every caller saw a distinct token.
	assert.Len(t, tokens, k)
	for i := int64(1); i <= k; i++ {
		assert.True(t, tokens[i], "token %d never returned", i)
	}

	tag, err := svc.GetTag(ctx, "04bb")
	require.NoError(t, err)
	assert.Equal(t, int64(k), tag.Token)
	assert.Len(t, tag.Historial, k)
}

func TestRecordScanDoesNotTouchCache(t *testing.T) {
	t.Parallel()
	ctx := itest.Context(t)
	clock := itest.NewClock(t)
	svc := counter.New(itest.NewStore(t, clock), counter.Options{Clock: clock, Logger: itest.Logger()})

	_, err := svc.RecordScan(ctx, scan("04cc"))
	require.NoError(t, err)
	tag, err := svc.GetTag(ctx, "04cc")
	require.NoError(t, err)
	require.Equal(t, int64(1), tag.Token)

	_, err = svc.RecordScan(ctx, scan("04cc"))
	require.NoError(t, err)

	// Within the tag TTL the cached read is stale by design.
	tag, err = svc.GetTag(ctx, "04cc")
	require.NoError(t, err)
	assert.Equal(t, int64(1), tag.Token)

	clock.Advance(counter.DefaultTagCacheTTL)
	tag, err = svc.GetTag(ctx, "04cc")
	require.NoError(t, err)
	assert.Equal(t, int64(2), tag.Token)
}

func TestRecordScanConflictIsSurfaced(t *testing.T) {
	t.Parallel()
	store := &countingStore{
		Store: itest.NewStore(t, itest.NewClock(t)),
		err:   fmt.Errorf("%w after 10 attempts: busy", docstore.ErrConflict),
	}
	svc := counter.New(store, counter.Options{Logger: itest.Logger()})

	_, err := svc.RecordScan(itest.Context(t), scan("04dd"))
	require.True(t, apperr.IsConflict(err))
}

func TestGetTagNotFound(t *testing.T) {
	t.Parallel()
	svc := counter.New(itest.NewStore(t, itest.NewClock(t)), counter.Options{Logger: itest.Logger()})

	_, err := svc.GetTag(itest.Context(t), "ffff")
	require.True(t, apperr.IsNotFound(err))
}

func TestListTagsPaginates(t *testing.T) {
	t.Parallel()
	ctx := itest.Context(t)
	clock := itest.NewClock(t)
	svc := counter.New(itest.NewStore(t, clock), counter.Options{Clock: clock, Logger: itest.Logger()})

	for i := range 3 {
		_, err := svc.RecordScan(ctx, scan(fmt.Sprintf("0%d0%d", i, i)))
		require.NoError(t, err)
		clock.Advance(time.Second)
	}

	page, err := svc.ListTags(ctx, domain.PageRequest{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Data, 2)
	assert.Equal(t, "0202", page.Data[0].TagID)
	require.NotNil(t, page.NextCursor)
	assert.Equal(t, "2024-01-01T00:00:01Z", *page.NextCursor)

	page, err = svc.ListTags(ctx, domain.PageRequest{Limit: 2, Cursor: *page.NextCursor})
	require.NoError(t, err)
	require.Len(t, page.Data, 1)
	assert.Equal(t, "0000", page.Data[0].TagID)
	assert.Nil(t, page.NextCursor)

	_, err = svc.ListTags(ctx, domain.PageRequest{Limit: 501})
	require.True(t, apperr.IsValidation(err))
}

// countingStore counts transactions and optionally fails all of them.
type countingStore struct {
	docstore.Store
	mu  sync.Mutex
	txs int
	err error
}

func (s *countingStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx docstore.Tx) error) error {
	s.mu.Lock()
	s.txs++
	s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	return s.Store.RunTransaction(ctx, fn)
}

// floatTokenStore hands transactions a token decoded as float64, the shape a
// JSON-only writer leaves behind.
type floatTokenStore struct {
	docstore.Store
}

func (s *floatTokenStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx docstore.Tx) error) error {
	return s.Store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		return fn(ctx, floatTokenTx{Tx: tx})
	})
}

type floatTokenTx struct {
	docstore.Tx
}

func (t floatTokenTx) Get(ctx context.Context, collection, key string) (*docstore.Document, error) {
	doc, err := t.Tx.Get(ctx, collection, key)
	if err != nil {
		return nil, err
	}
	data := make(map[string]any, len(doc.Data))
	for k, v := range doc.Data {
		data[k] = v
	}
	if n, ok := data["token"].(int64); ok {
		data["token"] = float64(n)
	}
	out := *doc
	out.Data = data
	return &out, nil
}
