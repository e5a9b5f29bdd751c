package domain

import (
	"fmt"
	"time"

	"example.com/nfcstats/internal/apperr"
	"example.com/nfcstats/internal/timefmt"
)

const (
	DefaultPageLimit = 100
	MaxPageLimit     = 500
)

// PageRequest is a cursor-paginated listing request. A zero Limit means the
// default; an empty Cursor starts from the newest item.
type PageRequest struct {
	Limit  int
	Cursor string
}

// Page is a resolved PageRequest.
type Page struct {
	Limit     int
	Cursor    time.Time
	HasCursor bool
}

// Resolve applies defaults and rejects out-of-range values.
func (r PageRequest) Resolve(op string) (Page, error) {
	p := Page{Limit: r.Limit}
	if p.Limit == 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit < 1 || p.Limit > MaxPageLimit {
		return Page{}, apperr.Validation(op, "invalid limit",
			apperr.FieldError{Field: "limit", Msg: fmt.Sprintf("must be between 1 and %d", MaxPageLimit)})
	}
	cur, ok, err := timefmt.ParseCursor(r.Cursor)
	if err != nil {
		return Page{}, apperr.Validation(op, "invalid cursor",
			apperr.FieldError{Field: "startAfter", Msg: "must be an ISO 8601 instant"})
	}
	p.Cursor, p.HasCursor = cur, ok
	return p, nil
}

// CacheKey renders the page for use in a cache key.
func (p Page) CacheKey() string {
	if !p.HasCursor {
		return fmt.Sprintf("%d:init", p.Limit)
	}
	return fmt.Sprintf("%d:%s", p.Limit, timefmt.Format(p.Cursor))
}

// NextCursor returns the cursor for the page after one ending at last, or
// nil when there is none: the store reported no more rows, the page came
// back short, or the cursor would not advance.
func (p Page) NextCursor(returned int, hasMore bool, last string) *string {
	if !hasMore || returned < p.Limit || last == "" {
		return nil
	}
	if p.HasCursor && last == timefmt.Format(p.Cursor) {
		return nil
	}
	return &last
}
