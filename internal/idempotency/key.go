package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"example.com/nfcstats/internal/domain"
	"example.com/nfcstats/internal/timefmt"
)

// Key returns the event's idempotency key. Events without an id cannot be
// keyed and report false.
func Key(ev *domain.Event) (string, bool) {
	id := strings.TrimSpace(ev.ID)
	return id, id != ""
}

// Fingerprint is a stable hex SHA-256 over the fields that feed aggregates.
// Two submissions under one id with different fingerprints mean the caller
// reused an id for a different event.
func Fingerprint(ev *domain.Event) string {
	composite := fmt.Sprintf("%s|%s|%s|%s|%s|%s",
		ev.EntityID, ev.EventType, timefmt.Store(ev.Timestamp), ev.Page, ev.URL, ev.SessionID)
	sum := sha256.Sum256([]byte(composite))
	return hex.EncodeToString(sum[:])
}
