package postgres

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/nicktill/tinyflow/pkg/store"
)

func TestStatusQuery_SingleTable(t *testing.T) {
	start := time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC)
	q := store.StatusQuery{Start: start, End: start.Add(24 * time.Hour)}

	query, args := statusQuery([]string{"section_status_20240309"}, q)

	assert.Equal(t,
		`SELECT section_id, hour, good, normal, minor_congestion, moderate_congestion, severe_congestion `+
			`FROM "section_status_20240309" WHERE hour BETWEEN $1 AND $2 ORDER BY hour, section_id`,
		query)
	assert.Equal(t, []any{q.Start, q.End}, args)
}

func TestStatusQuery_UnionWithSectionAndPage(t *testing.T) {
	start := time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC)
	q := store.StatusQuery{SectionID: "s1", Start: start, End: start.Add(48 * time.Hour), Limit: 50, Offset: 100}

	query, args := statusQuery([]string{"section_status_20240309", "section_status_20240310"}, q)

	assert.Equal(t, 1, strings.Count(query, " UNION ALL "))
	assert.Equal(t, 2, strings.Count(query, "AND section_id = $3"))
	assert.Contains(t, query, `FROM "section_status_20240310"`)
	assert.True(t, strings.HasSuffix(query, " ORDER BY hour, section_id LIMIT 50 OFFSET 100"), query)
	// Placeholders are shared across the union, so the arguments are bound once.
	assert.Equal(t, []any{q.Start, q.End, "s1"}, args)
}

func TestKeepPresent(t *testing.T) {
	names := []string{"section_status_20240308", "section_status_20240309", "section_status_20240310"}

	assert.Equal(t,
		[]string{"section_status_20240308", "section_status_20240310"},
		keepPresent(names, []string{"section_status_20240310", "section_status_20240308", "other"}))
	assert.Empty(t, keepPresent(names, nil))
}
