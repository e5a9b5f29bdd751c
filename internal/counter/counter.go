// Package counter records tag scans. Each tag has one counter document whose
// token equals the number of scans recorded for it, under any concurrency.
package counter

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"

	"example.com/nfcstats/internal/apperr"
	"example.com/nfcstats/internal/cache"
	"example.com/nfcstats/internal/docstore"
	"example.com/nfcstats/internal/domain"
	"example.com/nfcstats/internal/metrics"
	"example.com/nfcstats/internal/timefmt"
)

const DefaultTagCacheTTL = 120 * time.Second

type Options struct {
	Clock   quartz.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Cache serves GetTag. RecordScan never reads or writes it.
	Cache *cache.Cache[domain.Tag]
}

type Service struct {
	store   docstore.Store
	clock   quartz.Clock
	log     *slog.Logger
	metrics *metrics.Metrics
	cache   *cache.Cache[domain.Tag]
}

func New(store docstore.Store, opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(prometheus.NewRegistry())
	}
	if opts.Cache == nil {
		opts.Cache = cache.New[domain.Tag](cache.Options{Name: "tags", TTL: DefaultTagCacheTTL, Clock: opts.Clock, Metrics: opts.Metrics})
	}
	return &Service{store: store, clock: opts.Clock, log: opts.Logger, metrics: opts.Metrics, cache: opts.Cache}
}

// RecordScan increments the tag's token by one and appends a history entry,
// creating the counter at token 1 on the first scan. The read and the write
// happen in one transaction. A conflict that outlasts the store's retries is
// returned as a ConflictError and nothing is written.
func (s *Service) RecordScan(ctx context.Context, req domain.ScanRequest) (domain.ScanResult, error) {
	const op = "counter.RecordScan"
	if fields := validateScan(req); len(fields) > 0 {
		return domain.ScanResult{}, apperr.Validation(op, "missing required scan data", fields...)
	}

	var token int64
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		now := s.clock.Now()
		entry := map[string]any{
			"timestamp": timefmt.Store(now),
			"deviceId":  req.DeviceID,
			"scanType":  req.ScanType,
			"location":  req.Location,
		}

		doc, err := tx.Get(ctx, domain.CollectionTags, req.TagID)
		switch {
		case errors.Is(err, docstore.ErrNotFound):
			token = 1
			return tx.Set(ctx, domain.CollectionTags, req.TagID, docstore.Fields{
				"uid":          req.TagID,
				"urlAccedida":  req.URL,
				"token":        token,
				"firstSeen":    now,
				"lastSeen":     now,
				"historial":    docstore.Append(entry),
				"lastDevice":   req.DeviceID,
				"lastScanType": req.ScanType,
				"lastLocation": req.Location,
			})
		case err != nil:
			return err
		}

		token = tokenOf(doc.Data["token"]) + 1
		_, err = tx.MergeUpsert(ctx, domain.CollectionTags, req.TagID, docstore.Fields{
			"token":        docstore.Increment(1),
			"urlAccedida":  req.URL,
			"lastSeen":     now,
			"historial":    docstore.Append(entry),
			"lastDevice":   req.DeviceID,
			"lastScanType": req.ScanType,
			"lastLocation": req.Location,
		})
		return err
	})
	if err != nil {
		if errors.Is(err, docstore.ErrConflict) {
			s.metrics.Scans.WithLabelValues(metrics.ResultConflict).Inc()
			return domain.ScanResult{}, apperr.Conflict(op, err)
		}
		s.metrics.Scans.WithLabelValues(metrics.ResultFailed).Inc()
		s.log.Error("record scan failed", "op", op, "tagId", req.TagID, "error", err)
		return domain.ScanResult{}, apperr.Internal(op, err)
	}
	s.metrics.Scans.WithLabelValues(metrics.ResultOK).Inc()
	return domain.ScanResult{TagID: req.TagID, Token: token}, nil
}

// tokenOf reads a stored token. Documents written by other clients may carry
// it as a float.
func tokenOf(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func validateScan(req domain.ScanRequest) []apperr.FieldError {
	var fields []apperr.FieldError
	for _, f := range []struct{ name, value string }{
		{"uid", req.TagID},
		{"url", req.URL},
		{"deviceId", req.DeviceID},
		{"scanType", req.ScanType},
	} {
		if strings.TrimSpace(f.value) == "" {
			fields = append(fields, apperr.FieldError{Field: f.name, Msg: "required"})
		}
	}
	return fields
}

// GetTag returns the tag's counter, cached for the tag cache TTL.
func (s *Service) GetTag(ctx context.Context, tagID string) (domain.Tag, error) {
	const op = "counter.GetTag"
	if tagID == "" {
		return domain.Tag{}, apperr.Validation(op, "tag id is required", apperr.FieldError{Field: "uid", Msg: "required"})
	}
	key := "tag:" + tagID
	if tag, ok := s.cache.Get(key); ok {
		return tag, nil
	}
	doc, err := s.store.Get(ctx, domain.CollectionTags, tagID)
	if errors.Is(err, docstore.ErrNotFound) {
		return domain.Tag{}, apperr.NotFound(op, "tag", tagID)
	}
	if err != nil {
		return domain.Tag{}, apperr.Internal(op, err)
	}
	tag, err := ToTag(doc)
	if err != nil {
		s.log.Error("stored tag is malformed", "op", op, "tagId", tagID, "error", err)
		return domain.Tag{}, apperr.Internal(op, err)
	}
	s.cache.Set(key, tag)
	return tag, nil
}

// ListTags pages through tags by lastSeen, newest first. The cursor is
// exclusive on lastSeen alone, so a tag whose lastSeen equals the previous
// page's last item is not returned on the next page.
func (s *Service) ListTags(ctx context.Context, req domain.PageRequest) (domain.TagPage, error) {
	const op = "counter.ListTags"
	page, err := req.Resolve(op)
	if err != nil {
		return domain.TagPage{}, err
	}
	q := docstore.Query{OrderBy: "lastSeen", Direction: docstore.Desc, Limit: page.Limit}
	if page.HasCursor {
		q.StartAfter = page.Cursor
	}
	res, err := s.store.Query(ctx, domain.CollectionTags, q)
	if err != nil {
		return domain.TagPage{}, apperr.Internal(op, err)
	}
	out := domain.TagPage{Data: make([]domain.Tag, 0, len(res.Documents))}
	for i := range res.Documents {
		tag, err := ToTag(&res.Documents[i])
		if err != nil {
			s.log.Error("stored tag is malformed", "op", op, "tagId", res.Documents[i].Key, "error", err)
			return domain.TagPage{}, apperr.Internal(op, err)
		}
		out.Data = append(out.Data, tag)
	}
	var last string
	if n := len(out.Data); n > 0 {
		last = out.Data[n-1].LastSeen
	}
	out.NextCursor = page.NextCursor(len(out.Data), res.HasMore, last)
	return out, nil
}

// ToTag converts a stored tag document to its read form.
func ToTag(doc *docstore.Document) (domain.Tag, error) {
	var raw struct {
		URL          string  `json:"urlAccedida"`
		Token        int64   `json:"token"`
		FirstSeen    any     `json:"firstSeen"`
		LastSeen     any     `json:"lastSeen"`
		LastDevice   string  `json:"lastDevice"`
		LastScanType string  `json:"lastScanType"`
		LastLocation *string `json:"lastLocation"`
		Historial    []struct {
			Timestamp any     `json:"timestamp"`
			DeviceID  string  `json:"deviceId"`
			ScanType  string  `json:"scanType"`
			Location  *string `json:"location"`
		} `json:"historial"`
	}
	if err := doc.DataTo(&raw); err != nil {
		return domain.Tag{}, err
	}
	tag := domain.Tag{
		TagID:        doc.Key,
		URL:          raw.URL,
		Token:        raw.Token,
		LastDevice:   raw.LastDevice,
		LastScanType: raw.LastScanType,
		LastLocation: raw.LastLocation,
		Historial:    make([]domain.ScanEntry, 0, len(raw.Historial)),
	}
	var err error
	if tag.FirstSeen, err = timefmt.Normalize(raw.FirstSeen); err != nil {
		return domain.Tag{}, err
	}
	if tag.LastSeen, err = timefmt.Normalize(raw.LastSeen); err != nil {
		return domain.Tag{}, err
	}
	for _, h := range raw.Historial {
		ts, err := timefmt.Normalize(h.Timestamp)
		if err != nil {
			return domain.Tag{}, err
		}
		tag.Historial = append(tag.Historial, domain.ScanEntry{
			Timestamp: ts,
			DeviceID:  h.DeviceID,
			ScanType:  h.ScanType,
			Location:  h.Location,
		})
	}
	return tag, nil
}
