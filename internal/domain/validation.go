package domain

import (
	"fmt"
	"time"

	"example.com/nfcstats/internal/apperr"
)

// ValidateEvent performs strict checks on one event. A missing ID is not an
// error; such events are accepted and then dropped by the pipeline. A
// timestamp may lead now by at most skew.
func ValidateEvent(ev *Event, now time.Time, skew time.Duration) []apperr.FieldError {
	var errs []apperr.FieldError

	if len(ev.ID) > MaxIDLen {
		errs = append(errs, apperr.FieldError{Field: "id", Msg: fmt.Sprintf("max length %d", MaxIDLen)})
	}

	if ev.EntityID == "" {
		errs = append(errs, apperr.FieldError{Field: "entityId", Msg: "required"})
	} else if len(ev.EntityID) > MaxEntityIDLen {
		errs = append(errs, apperr.FieldError{Field: "entityId", Msg: fmt.Sprintf("max length %d", MaxEntityIDLen)})
	}

	if ev.EventType == "" {
		errs = append(errs, apperr.FieldError{Field: "eventType", Msg: "required"})
	} else if len(ev.EventType) > MaxEventTypeLen {
		errs = append(errs, apperr.FieldError{Field: "eventType", Msg: fmt.Sprintf("max length %d", MaxEventTypeLen)})
	}

	switch {
	case ev.Timestamp.IsZero():
		errs = append(errs, apperr.FieldError{Field: "timestamp", Msg: "required ISO 8601 instant"})
	case ev.Timestamp.After(now.Add(skew)):
		errs = append(errs, apperr.FieldError{Field: "timestamp", Msg: "must not be in the future (beyond allowed skew)"})
	}

	if len(ev.Page) > MaxPageLen {
		errs = append(errs, apperr.FieldError{Field: "page", Msg: fmt.Sprintf("max length %d", MaxPageLen)})
	}
	if len(ev.URL) > MaxPageLen {
		errs = append(errs, apperr.FieldError{Field: "url", Msg: fmt.Sprintf("max length %d", MaxPageLen)})
	}

	return errs
}

// ValidateBatch enforces the batch ceiling and per-item validation. Field
// names in the returned error are prefixed with the item index.
func ValidateBatch(events []Event, maxItems int, now time.Time, skew time.Duration) error {
	const op = "ingest.validate"
	if len(events) == 0 {
		return apperr.Validation(op, "batch must contain at least one event",
			apperr.FieldError{Field: "events", Msg: "required and must contain at least one item"})
	}
	if len(events) > maxItems {
		return apperr.Validation(op, fmt.Sprintf("batch exceeds the limit of %d events", maxItems),
			apperr.FieldError{Field: "events", Msg: fmt.Sprintf("max %d items", maxItems)})
	}
	var all []apperr.FieldError
	for i := range events {
		for _, fe := range ValidateEvent(&events[i], now, skew) {
			fe.Field = fmt.Sprintf("events[%d].%s", i, fe.Field)
			all = append(all, fe)
		}
	}
	if len(all) > 0 {
		return apperr.Validation(op, "one or more events failed validation", all...)
	}
	return nil
}
