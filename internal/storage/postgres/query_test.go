package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/nfcstats/internal/docstore"
)

func TestBuildQuery(t *testing.T) {
	t.Parallel()

	cursor := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		q        docstore.Query
		wantSQL  string
		wantArgs []any
	}{
		{
			name:     "unordered",
			q:        docstore.Query{},
			wantSQL:  "SELECT key, data, created_at, updated_at FROM documents WHERE collection = $1 ORDER BY key ASC",
			wantArgs: []any{"entity_stats"},
		},
		{
			name: "page after cursor",
			q:    docstore.Query{OrderBy: "lastSeen", Direction: docstore.Desc, Limit: 2, StartAfter: cursor},
			wantSQL: `SELECT key, data, created_at, updated_at FROM documents WHERE collection = $1` +
				` AND (data #>> '{lastSeen}') COLLATE "C" < $2` +
				` ORDER BY (data #>> '{lastSeen}') COLLATE "C" DESC NULLS LAST, key DESC LIMIT $3`,
			wantArgs: []any{"entity_stats", "2024-01-01T00:00:00.000000000Z", 3},
		},
		{
			name: "nested filter ascending",
			q: docstore.Query{
				Filters: []docstore.Filter{{Field: "metadata.city", Op: docstore.OpEq, Value: "Lima"}},
				OrderBy: "timestamp",
			},
			wantSQL: `SELECT key, data, created_at, updated_at FROM documents WHERE collection = $1` +
				` AND (data #>> '{metadata,city}') COLLATE "C" = $2` +
				` ORDER BY (data #>> '{timestamp}') COLLATE "C" ASC NULLS LAST, key ASC`,
			wantArgs: []any{"entity_stats", "Lima"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sql, args, err := buildQuery("entity_stats", tt.q)
			require.NoError(t, err)
			assert.Equal(t, tt.wantSQL, sql)
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}

func TestBuildQueryRejectsBadField(t *testing.T) {
	t.Parallel()

	_, _, err := buildQuery("events", docstore.Query{OrderBy: "a}'; drop"})
	require.Error(t, err)
}
