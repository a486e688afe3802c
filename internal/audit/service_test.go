package audit

import (
	"context"
	"encoding/csv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memTimeline struct {
	rows       []TimelineRow
	lastOffset int
	lastLimit  int
}

func (m *memTimeline) TimelineWindow(_ context.Context, filters TimelineFilters, offset, limit int) ([]TimelineRow, error) {
	m.lastOffset = offset
	m.lastLimit = limit
	matched := m.match(filters)
	if offset >= len(matched) {
		return nil, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], nil
}

func (m *memTimeline) TimelineAll(_ context.Context, filters TimelineFilters) ([]TimelineRow, error) {
	return m.match(filters), nil
}

func (m *memTimeline) match(filters TimelineFilters) []TimelineRow {
	var out []TimelineRow
	for _, row := range m.rows {
		if filters.ActorID != 0 && row.ActorID != filters.ActorID {
			continue
		}
		if filters.Action != "" && row.Action != filters.Action {
			continue
		}
		if filters.Entity != "" && row.Entity != filters.Entity {
			continue
		}
		out = append(out, row)
	}
	return out
}

func seedRows(n int) []TimelineRow {
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	rows := make([]TimelineRow, 0, n)
	for i := 0; i < n; i++ {
		rows = append(rows, TimelineRow{
			At:       base.Add(-time.Duration(i) * time.Minute),
			ActorID:  int64(i%3 + 1),
			Action:   "SESSION_REVOKED",
			Entity:   "session",
			EntityID: "s-" + strings.Repeat("x", i%2+1),
		})
	}
	return rows
}

func TestTimelinePagingOverFetch(t *testing.T) {
	repo := &memTimeline{rows: seedRows(25)}
	svc := NewService(repo)

	result, err := svc.Timeline(context.Background(), TimelineFilters{})
	require.NoError(t, err)
	assert.Len(t, result.Rows, 20)
	assert.True(t, result.Paging.HasNext)
	assert.Equal(t, 2, result.Paging.NextPage)
	assert.Zero(t, result.Paging.PrevPage)
	assert.Equal(t, 21, repo.lastLimit, "over-fetch by one to detect the next page")

	result, err = svc.Timeline(context.Background(), TimelineFilters{Page: 2})
	require.NoError(t, err)
	assert.Len(t, result.Rows, 5)
	assert.False(t, result.Paging.HasNext)
	assert.Equal(t, 1, result.Paging.PrevPage)
	assert.Equal(t, 20, repo.lastOffset)
}

func TestTimelineClampsPageSize(t *testing.T) {
	repo := &memTimeline{rows: seedRows(60)}
	svc := NewService(repo)

	result, err := svc.Timeline(context.Background(), TimelineFilters{PerPage: 500})
	require.NoError(t, err)
	assert.Len(t, result.Rows, 50)
	assert.Equal(t, 50, result.Paging.PerPage)

	result, err = svc.Timeline(context.Background(), TimelineFilters{PerPage: -3, Page: -1})
	require.NoError(t, err)
	assert.Equal(t, 20, result.Paging.PerPage)
	assert.Equal(t, 1, result.Paging.Page)
}

func TestTimelineFilters(t *testing.T) {
	repo := &memTimeline{rows: seedRows(9)}
	svc := NewService(repo)

	result, err := svc.Timeline(context.Background(), TimelineFilters{ActorID: 2})
	require.NoError(t, err)
	for _, row := range result.Rows {
		assert.Equal(t, int64(2), row.ActorID)
	}
	require.NotEmpty(t, result.Rows)
}

func TestWriteCSV(t *testing.T) {
	rows := []TimelineRow{
		{
			At:       time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
			ActorID:  7,
			Action:   "TOKEN_REUSE_DETECTED",
			Entity:   "session",
			EntityID: "abc",
			IP:       "10.0.0.1",
			Meta:     []byte(`{"reason":"replay"}`),
		},
	}
	payload, err := WriteCSV(rows)
	require.NoError(t, err)

	records, err := csv.NewReader(strings.NewReader(string(payload))).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "occurred_at", records[0][0])
	assert.Equal(t, []string{
		"2026-03-14T09:00:00Z", "7", "TOKEN_REUSE_DETECTED", "session", "abc", "10.0.0.1", `{"reason":"replay"}`,
	}, records[1])
}
