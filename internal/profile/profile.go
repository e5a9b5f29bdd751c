// Package profile joins the tag, aggregate and client documents of one uid.
package profile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/coder/quartz"
	"golang.org/x/sync/errgroup"

	"example.com/nfcstats/internal/apperr"
	"example.com/nfcstats/internal/cache"
	"example.com/nfcstats/internal/clients"
	"example.com/nfcstats/internal/counter"
	"example.com/nfcstats/internal/docstore"
	"example.com/nfcstats/internal/domain"
	"example.com/nfcstats/internal/metrics"
	"example.com/nfcstats/internal/stats"
)

const DefaultCacheTTL = 60 * time.Second

type Options struct {
	Clock      quartz.Clock
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	CacheTTL   time.Duration
	MaxEntries int
}

type Service struct {
	store docstore.Store
	log   *slog.Logger
	cache *cache.Cache[domain.Profile]
}

func New(store docstore.Store, opts Options) *Service {
	if opts.CacheTTL == 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		store: store,
		log:   opts.Logger,
		cache: cache.New[domain.Profile](cache.Options{
			Name: "profiles", TTL: opts.CacheTTL, MaxEntries: opts.MaxEntries, Clock: opts.Clock, Metrics: opts.Metrics,
		}),
	}
}

// Get returns everything known about uid. Parts that do not exist are nil;
// the uid is NotFound only when none of them exist.
func (s *Service) Get(ctx context.Context, uid string) (domain.Profile, error) {
	const op = "profile.Get"
	if uid == "" {
		return domain.Profile{}, apperr.Validation(op, "uid is required", apperr.FieldError{Field: "uid", Msg: "required"})
	}
	key := "user:" + uid
	if p, ok := s.cache.Get(key); ok {
		return p, nil
	}

	var tagDoc, statsDoc, clientDoc *docstore.Document
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range []struct {
		collection string
		dst        **docstore.Document
	}{
		{domain.CollectionTags, &tagDoc},
		{domain.CollectionStats, &statsDoc},
		{domain.CollectionClients, &clientDoc},
	} {
		g.Go(func() error {
			doc, err := s.store.Get(gctx, r.collection, uid)
			if errors.Is(err, docstore.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			*r.dst = doc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return domain.Profile{}, apperr.Internal(op, err)
	}
	if tagDoc == nil && statsDoc == nil && clientDoc == nil {
		return domain.Profile{}, apperr.NotFound(op, "uid", uid)
	}

	p := domain.Profile{UID: uid}
	if tagDoc != nil {
		t, err := counter.ToTag(tagDoc)
		if err != nil {
			return domain.Profile{}, s.malformed(op, uid, err)
		}
		p.Tag = &t
	}
	if statsDoc != nil {
		st, err := stats.Project(statsDoc)
		if err != nil {
			return domain.Profile{}, s.malformed(op, uid, err)
		}
		p.Stats = &st
	}
	if clientDoc != nil {
		c, err := clients.ToClient(clientDoc)
		if err != nil {
			return domain.Profile{}, s.malformed(op, uid, err)
		}
		p.Client = &c
	}
	s.cache.Set(key, p)
	return p, nil
}

func (s *Service) malformed(op, uid string, err error) error {
	s.log.Error("stored profile part is malformed", "op", op, "uid", uid, "error", err)
	return apperr.Internal(op, err)
}
