package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ipsix/reconsync/internal/model"
)

func put(r *Registry, id string, status model.Status, prio model.Priority) {
	r.PutActive(Entry{Record: model.ScanRecord{ID: id, Domain: id + ".example.com", Status: status, Priority: prio}})
}

func ids(records []model.ScanRecord) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.ID)
	}
	return out
}

func TestListOrdering(t *testing.T) {
	r := New(10)
	put(r, "q-low", model.StatusQueued, model.PriorityLow)
	put(r, "run-normal", model.StatusRunning, model.PriorityNormal)
	put(r, "q-high", model.StatusQueued, model.PriorityHigh)
	put(r, "paused-high", model.StatusPaused, model.PriorityHigh)
	put(r, "run-normal-2", model.StatusRunning, model.PriorityNormal)

	assert.Equal(t, []string{"paused-high", "run-normal", "run-normal-2", "q-high", "q-low"}, ids(r.List()))
}

func TestHistoryExcludedFromLiveView(t *testing.T) {
	r := New(10)
	put(r, "a", model.StatusRunning, model.PriorityNormal)
	e, loc := r.Lookup("a")
	require.Equal(t, Active, loc)
	e.Record.Status = model.StatusCompleted
	r.PutHistory(e)

	assert.Empty(t, r.List())
	hist := r.History()
	require.Len(t, hist, 1)
	assert.Equal(t, model.StatusCompleted, hist[0].Status)
	_, ok := r.Get("a")
	assert.True(t, ok)
}

func TestHistoryLimitEvictsOldest(t *testing.T) {
	r := New(2)
	for _, id := range []string{"a", "b", "c"} {
		r.PutHistory(Entry{Record: model.ScanRecord{ID: id, Status: model.StatusCompleted}})
	}
	assert.Equal(t, []string{"c", "b"}, ids(r.History()))
	_, loc := r.Lookup("a")
	assert.Equal(t, Absent, loc)
}

func TestOverlayShownUntilCleared(t *testing.T) {
	r := New(10)
	put(r, "a", model.StatusRunning, model.PriorityNormal)
	e, _ := r.Lookup("a")
	e.Overlay = &Overlay{Intent: IntentPause, Status: model.StatusPaused}
	r.PutActive(e)

	got, _ := r.Get("a")
	assert.Equal(t, model.StatusPaused, got.Status)
	assert.Equal(t, 1, r.Counts().Paused)

	e.Overlay = nil
	r.PutActive(e)
	got, _ = r.Get("a")
	assert.Equal(t, model.StatusRunning, got.Status)
}

func TestCountsCoverEveryListedScan(t *testing.T) {
	r := New(10)
	put(r, "a", model.StatusRunning, model.PriorityNormal)
	put(r, "b", model.StatusQueued, model.PriorityHigh)
	put(r, "c", model.StatusRunning, model.PriorityLow)
	e, _ := r.Lookup("c")
	e.Overlay = &Overlay{Intent: IntentStop, Status: model.StatusCompleted}
	r.PutActive(e)

	list := r.List()
	c := r.Counts()
	assert.Len(t, list, 3)
	assert.Equal(t, len(list), c.Running+c.Paused+c.Queued+c.Stopping)
	assert.Equal(t, 1, c.Stopping)
	assert.Equal(t, "c", list[2].ID)
}

func TestEvictedHistoryIsRemembered(t *testing.T) {
	r := New(2)
	for _, id := range []string{"a", "b", "c"} {
		r.PutHistory(Entry{Record: model.ScanRecord{ID: id, Status: model.StatusCompleted}})
	}
	assert.True(t, r.Evicted("a"))
	assert.False(t, r.Evicted("b"))

	r.RetainEvicted(func(string) bool { return true })
	assert.True(t, r.Evicted("a"))

	put(r, "a", model.StatusRunning, model.PriorityNormal)
	assert.False(t, r.Evicted("a"), "a live scan is no longer evicted")

	r.PutHistory(Entry{Record: model.ScanRecord{ID: "d", Status: model.StatusCompleted}})
	assert.True(t, r.Evicted("b"))
	r.RetainEvicted(func(id string) bool { return id != "b" })
	assert.False(t, r.Evicted("b"))
}

func TestRekeyKeepsPosition(t *testing.T) {
	r := New(10)
	put(r, "local-1", model.StatusQueued, model.PriorityNormal)
	put(r, "b", model.StatusQueued, model.PriorityNormal)
	require.True(t, r.Rekey("local-1", "srv-9"))
	assert.Equal(t, []string{"srv-9", "b"}, ids(r.List()))
}

func TestLookupReturnsCopy(t *testing.T) {
	r := New(10)
	r.PutActive(Entry{Record: model.ScanRecord{ID: "a", Config: map[string]interface{}{"depth": 2}}})
	e, _ := r.Lookup("a")
	e.Record.Config["depth"] = 9
	got, _ := r.Get("a")
	assert.Equal(t, 2, got.Config["depth"])
}
