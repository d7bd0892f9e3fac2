package handler

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseListOpts(t *testing.T) {
	tests := []struct {
		name   string
		query  string
		limit  int
		offset int
	}{
		{"defaults", "", defaultPageSize, 0},
		{"explicit", "?limit=20&offset=40", 20, 40},
		{"capped", "?limit=100000", maxPageSize, 0},
		{"invalid", "?limit=-3&offset=x", defaultPageSize, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			opts := parseListOpts(httptest.NewRequest("GET", "/api/audit"+tc.query, nil))
			assert.Equal(t, tc.limit, opts.Limit)
			assert.Equal(t, tc.offset, opts.Offset)
		})
	}
}

func TestParseListOpts_TimeRange(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/audit?since=2026-10-19T08:00:00Z&until=bogus", nil)
	opts := parseListOpts(r)

	require.NotNil(t, opts.Since)
	assert.True(t, opts.Since.Equal(time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)))
	assert.Nil(t, opts.Until)
}
