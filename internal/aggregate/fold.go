// Package aggregate folds accepted events into per-entity deltas. It does no
// I/O; applying a delta to the stored aggregate is the ingest pipeline's job.
package aggregate

import (
	"time"

	"example.com/nfcstats/internal/domain"
)

// Delta is what one batch contributes to one entity's aggregate.
type Delta struct {
	EntityID  string
	PageViews int64
	Clicks    int64
	// FirstSeen is the earliest event time in the group. It is only written
	// when the aggregate document is created.
	FirstSeen time.Time
	// LastSeen is the latest event time in the group. LastPage and
	// LastSessionID come from the event that set it.
	LastSeen      time.Time
	LastPage      string
	LastSessionID string
	// Platform and Source come from the group's first event.
	Platform string
	Source   string
}

// Fold groups events by entity. Events without an entity id are skipped.
//
// Ties on timestamp keep the earlier event in input order. An event that
// wins lastSeen without a page or session id keeps the previous values.
func Fold(events []domain.Event) map[string]Delta {
	out := make(map[string]Delta)
	for i := range events {
		ev := &events[i]
		if ev.EntityID == "" {
			continue
		}
		d, ok := out[ev.EntityID]
		if !ok {
			d = Delta{
				EntityID:      ev.EntityID,
				FirstSeen:     ev.Timestamp,
				LastSeen:      ev.Timestamp,
				LastPage:      ev.Location(),
				LastSessionID: ev.SessionID,
				Platform:      ev.Platform(),
				Source:        ev.SourceOrDefault(),
			}
		}

		switch ev.EventType {
		case domain.EventPageView:
			d.PageViews++
		case domain.EventButtonClick:
			d.Clicks++
		}

		if ev.Timestamp.Before(d.FirstSeen) {
			d.FirstSeen = ev.Timestamp
		}
		if ev.Timestamp.After(d.LastSeen) {
			d.LastSeen = ev.Timestamp
			if loc := ev.Location(); loc != "" {
				d.LastPage = loc
			}
			if ev.SessionID != "" {
				d.LastSessionID = ev.SessionID
			}
		}
		out[ev.EntityID] = d
	}
	return out
}
