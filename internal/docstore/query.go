package docstore

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"example.com/nfcstats/internal/timefmt"
)

// Direction is a sort direction.
type Direction int

const (
	Asc Direction = iota
	Desc
)

// Op is a filter comparison operator.
type Op string

const (
	OpEq  Op = "=="
	OpGt  Op = ">"
	OpGte Op = ">="
	OpLt  Op = "<"
	OpLte Op = "<="
)

// Filter compares a document field against a value. Comparisons are textual,
// so values must be strings or times (which compare in storage form).
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Query describes a range read over one collection.
type Query struct {
	Filters   []Filter
	OrderBy   string
	Direction Direction
	// Limit caps the number of documents; zero means unbounded.
	Limit int
	// StartAfter is an exclusive bound on the OrderBy field.
	StartAfter any
}

// QueryResult is one page of a query.
type QueryResult struct {
	Documents []Document
	HasMore   bool
}

var fieldPathRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)

// FieldPath splits a dotted field path after validating it.
func FieldPath(field string) ([]string, error) {
	if !fieldPathRe.MatchString(field) {
		return nil, fmt.Errorf("invalid field path %q", field)
	}
	return strings.Split(field, "."), nil
}

// SQLOp returns the SQL operator for op.
func SQLOp(op Op) (string, error) {
	switch op {
	case OpEq:
		return "=", nil
	case OpGt, OpGte, OpLt, OpLte:
		return string(op), nil
	default:
		return "", fmt.Errorf("unsupported operator %q", op)
	}
}

// TextValue converts a filter or cursor value to its stored textual form.
func TextValue(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case time.Time:
		return timefmt.Store(x), nil
	case *time.Time:
		if x == nil {
			return "", fmt.Errorf("nil time value")
		}
		return timefmt.Store(*x), nil
	default:
		return "", fmt.Errorf("unsupported comparison value %T", v)
	}
}

// Validate checks that q can be executed.
func (q Query) Validate() error {
	if q.Limit < 0 {
		return fmt.Errorf("negative limit %d", q.Limit)
	}
	if q.OrderBy == "" && q.StartAfter != nil {
		return fmt.Errorf("start-after requires an order field")
	}
	if q.OrderBy != "" {
		if _, err := FieldPath(q.OrderBy); err != nil {
			return err
		}
	}
	for _, f := range q.Filters {
		if _, err := FieldPath(f.Field); err != nil {
			return err
		}
		if _, err := SQLOp(f.Op); err != nil {
			return err
		}
		if _, err := TextValue(f.Value); err != nil {
			return fmt.Errorf("filter %s: %w", f.Field, err)
		}
	}
	if q.StartAfter != nil {
		if _, err := TextValue(q.StartAfter); err != nil {
			return fmt.Errorf("start-after: %w", err)
		}
	}
	return nil
}
