package vulns

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ipsix/reconsync/internal/model"
)

func finding(id string) model.Finding {
	return model.Finding{ID: id, ScanID: "s-1", URL: "https://example.com/?q=" + id, Severity: model.SeverityHigh}
}

func TestAddIsIdempotent(t *testing.T) {
	s := New(10)
	assert.True(t, s.Add(finding("1")))
	assert.False(t, s.Add(finding("1")))
	assert.Equal(t, 1, s.Len())
}

func TestAddPrepends(t *testing.T) {
	s := New(10)
	s.Add(finding("1"))
	s.Add(finding("2"))
	page := s.Page(1)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "2", page.Items[0].ID)
}

func TestPaginationRecomputes(t *testing.T) {
	s := New(3)
	for i := 0; i < 7; i++ {
		s.Add(finding(fmt.Sprint(i)))
	}
	assert.Equal(t, 3, s.TotalPages())
	last := s.Page(3)
	assert.Len(t, last.Items, 1)
	assert.Equal(t, 7, last.Total)

	out := s.Page(99)
	assert.Equal(t, 3, out.Page)
}

func TestCurrentPageClampedWhenSetShrinks(t *testing.T) {
	s := New(2)
	for i := 0; i < 5; i++ {
		s.Add(finding(fmt.Sprint(i)))
	}
	require.Equal(t, 3, s.Goto(3).Page)

	require.True(t, s.SoftDelete("0"))
	assert.Equal(t, 2, s.Current().Page)
	assert.Equal(t, 2, s.Current().TotalPages)
}

func TestSoftDeleteAndRestore(t *testing.T) {
	s := New(10)
	s.Add(finding("1"))
	s.Add(finding("2"))
	require.True(t, s.SoftDelete("1"))
	assert.Equal(t, 1, s.Len())
	_, ok := s.Get("1")
	assert.False(t, ok)

	assert.False(t, s.Add(finding("1")), "a deleted id must not be resurrected by a replay")

	require.True(t, s.Restore("1"))
	page := s.Page(1)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "1", page.Items[1].ID, "restore keeps the original position")
}

func TestSoftDeleteAbsentIsNoop(t *testing.T) {
	s := New(10)
	assert.False(t, s.SoftDelete("missing"))
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, 1, s.Current().TotalPages)
}
