package postgres

import (
	"fmt"
	"strings"

	"example.com/nfcstats/internal/docstore"
)

// fieldExpr renders a document field as text. COLLATE "C" keeps comparison
// and ordering bytewise, which is what the storage timestamp form relies on.
func fieldExpr(field string) (string, error) {
	path, err := docstore.FieldPath(field)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`(data #>> '{%s}') COLLATE "C"`, strings.Join(path, ",")), nil
}

// buildQuery translates q into SQL. One extra row is requested past Limit so
// the caller can tell whether another page exists.
func buildQuery(collection string, q docstore.Query) (string, []any, error) {
	if err := q.Validate(); err != nil {
		return "", nil, err
	}

	var sb strings.Builder
	args := []any{collection}
	sb.WriteString("SELECT key, data, created_at, updated_at FROM documents WHERE collection = $1")

	for _, f := range q.Filters {
		expr, err := fieldExpr(f.Field)
		if err != nil {
			return "", nil, err
		}
		op, err := docstore.SQLOp(f.Op)
		if err != nil {
			return "", nil, err
		}
		val, err := docstore.TextValue(f.Value)
		if err != nil {
			return "", nil, err
		}
		args = append(args, val)
		fmt.Fprintf(&sb, " AND %s %s $%d", expr, op, len(args))
	}

	dir := "ASC"
	if q.Direction == docstore.Desc {
		dir = "DESC"
	}

	if q.OrderBy != "" {
		expr, err := fieldExpr(q.OrderBy)
		if err != nil {
			return "", nil, err
		}
		if q.StartAfter != nil {
			val, err := docstore.TextValue(q.StartAfter)
			if err != nil {
				return "", nil, err
			}
			op := ">"
			if q.Direction == docstore.Desc {
				op = "<"
			}
			args = append(args, val)
			fmt.Fprintf(&sb, " AND %s %s $%d", expr, op, len(args))
		}
		fmt.Fprintf(&sb, " ORDER BY %s %s NULLS LAST, key %s", expr, dir, dir)
	} else {
		fmt.Fprintf(&sb, " ORDER BY key %s", dir)
	}

	if q.Limit > 0 {
		args = append(args, q.Limit+1)
		fmt.Fprintf(&sb, " LIMIT $%d", len(args))
	}
	return sb.String(), args, nil
}
