// Package clients registers the people behind tag uids.
package clients

import (
	"context"
	"errors"
	"log/slog"

	"github.com/coder/quartz"

	"example.com/nfcstats/internal/apperr"
	"example.com/nfcstats/internal/docstore"
	"example.com/nfcstats/internal/domain"
	"example.com/nfcstats/internal/timefmt"
)

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

// Register creates the client or refreshes an existing one. createdAt is set
// once; a re-registration marks the client active again and bumps updatedAt.
func (s *Service) Register(ctx context.Context, in domain.ClientInput) (domain.Client, error) {
	const op = "clients.Register"
	var fields []apperr.FieldError
	if in.UID == "" {
		fields = append(fields, apperr.FieldError{Field: "uid", Msg: "required"})
	}
	if in.Name == "" {
		fields = append(fields, apperr.FieldError{Field: "name", Msg: "required"})
	}
	if in.Phone == "" {
		fields = append(fields, apperr.FieldError{Field: "phone", Msg: "required"})
	}
	if len(fields) > 0 {
		return domain.Client{}, apperr.Validation(op, "missing required client data", fields...)
	}

	var out domain.Client
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		now := s.clock.Now()
		created := now
		doc, err := tx.Get(ctx, domain.CollectionClients, in.UID)
		switch {
		case err == nil:
			if t, err := timefmt.ToTime(doc.Data["createdAt"]); err == nil {
				created = t
			}
		case !errors.Is(err, docstore.ErrNotFound):
			return err
		}
		out = domain.Client{
			UID:       in.UID,
			Name:      in.Name,
			Phone:     in.Phone,
			Email:     in.Email,
			Active:    true,
			CreatedAt: timefmt.Format(created),
			UpdatedAt: timefmt.Format(now),
		}
		_, err = tx.MergeUpsert(ctx, domain.CollectionClients, in.UID, docstore.Fields{
			"uid":       in.UID,
			"name":      in.Name,
			"phone":     in.Phone,
			"email":     in.Email,
			"active":    true,
			"createdAt": created,
			"updatedAt": now,
		})
		return err
	})
	if err != nil {
		if errors.Is(err, docstore.ErrConflict) {
			return domain.Client{}, apperr.Conflict(op, err)
		}
		s.log.Error("register client failed", "op", op, "uid", in.UID, "error", err)
		return domain.Client{}, apperr.Internal(op, err)
	}
	return out, nil
}

func (s *Service) Get(ctx context.Context, uid string) (domain.Client, error) {
	const op = "clients.Get"
	if uid == "" {
		return domain.Client{}, apperr.Validation(op, "uid is required", apperr.FieldError{Field: "uid", Msg: "required"})
	}
	doc, err := s.store.Get(ctx, domain.CollectionClients, uid)
	if errors.Is(err, docstore.ErrNotFound) {
		return domain.Client{}, apperr.NotFound(op, "client", uid)
	}
	if err != nil {
		return domain.Client{}, apperr.Internal(op, err)
	}
	c, err := ToClient(doc)
	if err != nil {
		s.log.Error("stored client is malformed", "op", op, "uid", uid, "error", err)
		return domain.Client{}, apperr.Internal(op, err)
	}
	return c, nil
}

// List pages through clients by updatedAt, most recently updated first.
func (s *Service) List(ctx context.Context, req domain.PageRequest) (domain.ClientPage, error) {
	const op = "clients.List"
	page, err := req.Resolve(op)
	if err != nil {
		return domain.ClientPage{}, err
	}
	q := docstore.Query{OrderBy: "updatedAt", Direction: docstore.Desc, Limit: page.Limit}
	if page.HasCursor {
		q.StartAfter = page.Cursor
	}
	res, err := s.store.Query(ctx, domain.CollectionClients, q)
	if err != nil {
		return domain.ClientPage{}, apperr.Internal(op, err)
	}
	out := domain.ClientPage{Data: make([]domain.Client, 0, len(res.Documents))}
	for i := range res.Documents {
		c, err := ToClient(&res.Documents[i])
		if err != nil {
			s.log.Error("stored client is malformed", "op", op, "uid", res.Documents[i].Key, "error", err)
			return domain.ClientPage{}, apperr.Internal(op, err)
		}
		out.Data = append(out.Data, c)
	}
	var last string
	if n := len(out.Data); n > 0 {
		last = out.Data[n-1].UpdatedAt
	}
	out.NextCursor = page.NextCursor(len(out.Data), res.HasMore, last)
	return out, nil
}

// ToClient converts a stored client document to its read form.
func ToClient(doc *docstore.Document) (domain.Client, error) {
	var raw struct {
		Name      string  `json:"name"`
		Phone     string  `json:"phone"`
		Email     *string `json:"email"`
		Active    bool    `json:"active"`
		CreatedAt any     `json:"createdAt"`
		UpdatedAt any     `json:"updatedAt"`
	}
	if err := doc.DataTo(&raw); err != nil {
		return domain.Client{}, err
	}
	c := domain.Client{UID: doc.Key, Name: raw.Name, Phone: raw.Phone, Email: raw.Email, Active: raw.Active}
	var err error
	if c.CreatedAt, err = timefmt.Normalize(raw.CreatedAt); err != nil {
		return domain.Client{}, err
	}
	if c.UpdatedAt, err = timefmt.Normalize(raw.UpdatedAt); err != nil {
		return domain.Client{}, err
	}
	return c, nil
}
