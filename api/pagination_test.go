package api

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParsePagination(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		wantLimit  int
		wantOffset int
	}{
		{"defaults", "", defaultPageLimit, 0},
		{"both", "limit=25&offset=5", 25, 5},
		{"limit capped", "limit=10000", maxPageLimit, 0},
		{"negative values", "limit=-1&offset=-5", defaultPageLimit, 0},
		{"garbage", "limit=abc&offset=xyz", defaultPageLimit, 0},
		{"zero limit", "limit=0", defaultPageLimit, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/tables/Assets?"+tt.query, nil)
			limit, offset := parsePagination(r)
			assert.Equal(t, tt.wantLimit, limit, "limit")
			assert.Equal(t, tt.wantOffset, offset, "offset")
		})
	}
}

func TestPage(t *testing.T) {
	start, end, meta := page(10, 4, 8)
	assert.Equal(t, 8, start)
	assert.Equal(t, 10, end)
	assert.False(t, meta.HasMore)

	start, end, meta = page(10, 4, 0)
	assert.Equal(t, 0, start)
	assert.Equal(t, 4, end)
	assert.True(t, meta.HasMore)
	assert.Equal(t, 10, meta.TotalCount)

	start, end, _ = page(3, 4, 50)
	assert.Equal(t, 3, start)
	assert.Equal(t, 3, end)
}
