package task

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(i int) *int          { return &i }
func strPtr(s string) *string    { return &s }
func statusPtr(s Status) *Status { return &s }

func TestTracker_CreateAndGet(t *testing.T) {
	tr := NewTracker(nil)
	id := tr.Create("web:abc", "transcribe", "Transcribe audio", "whisper run")
	require.Len(t, id, 8)

	rec, err := tr.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rec.Status)
	assert.Equal(t, "web:abc", rec.SessionID)
	assert.Equal(t, "transcribe", rec.TaskType)
	assert.Equal(t, 0, rec.Progress)
	assert.Nil(t, rec.CompletedAt)

	_, err = tr.Get("missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestTracker_UpdateClampsProgress(t *testing.T) {
	tr := NewTracker(nil)
	id := tr.Create("s", "t", "title", "")

	for _, tc := range []struct{ in, want int }{
		{-10, 0}, {0, 0}, {55, 55}, {100, 100}, {250, 100},
	} {
		rec, err := tr.Update(id, Update{Progress: intPtr(tc.in)})
		require.NoError(t, err)
		assert.Equal(t, tc.want, rec.Progress, "progress %d", tc.in)
	}
}

func TestTracker_TerminalTransitionSetsCompletedAt(t *testing.T) {
	tr := NewTracker(nil)

	for _, status := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		id := tr.Create("s", "t", "title", "")

		rec, err := tr.Update(id, Update{Status: statusPtr(StatusRunning)})
		require.NoError(t, err)
		assert.Nil(t, rec.CompletedAt, "non-terminal update must not set completed_at")

		rec, err = tr.Update(id, Update{Status: statusPtr(status)})
		require.NoError(t, err)
		require.NotNil(t, rec.CompletedAt)

		// A repeated terminal update keeps the original completion time.
		first := *rec.CompletedAt
		rec, err = tr.Update(id, Update{Status: statusPtr(status)})
		require.NoError(t, err)
		assert.Equal(t, first, *rec.CompletedAt)
	}
}

func TestTracker_UpdateMergesOnlyProvidedFields(t *testing.T) {
	tr := NewTracker(nil)
	id := tr.Create("s", "t", "title", "initial description")

	_, err := tr.Update(id, Update{Progress: intPtr(40)})
	require.NoError(t, err)

	rec, err := tr.Update(id, Update{Description: strPtr("later")})
	require.NoError(t, err)
	assert.Equal(t, 40, rec.Progress)
	assert.Equal(t, "later", rec.Description)
	assert.Equal(t, StatusPending, rec.Status)

	_, err = tr.Update("missing", Update{Progress: intPtr(1)})
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestTracker_CompleteAndFail(t *testing.T) {
	tr := NewTracker(nil)

	id := tr.Create("s", "t", "ok", "")
	rec, err := tr.Complete(id, "all done")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, 100, rec.Progress)
	assert.Equal(t, "all done", rec.Result)
	require.NotNil(t, rec.CompletedAt)

	id = tr.Create("s", "t", "bad", "")
	rec, err = tr.Fail(id, "disk full")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, "disk full", rec.Error)
	require.NotNil(t, rec.CompletedAt)
}

func TestTracker_BySessionInsertionOrder(t *testing.T) {
	tr := NewTracker(nil)
	var want []string
	for i := 0; i < 5; i++ {
		want = append(want, tr.Create("mine", "t", fmt.Sprintf("task %d", i), ""))
	}
	tr.Create("other", "t", "not mine", "")

	recs := tr.BySession("mine")
	require.Len(t, recs, 5)
	for i, rec := range recs {
		assert.Equal(t, want[i], rec.TaskID)
	}
	assert.Empty(t, tr.BySession("unknown"))
}

func TestTracker_ObserverFanOutIsolation(t *testing.T) {
	tr := NewTracker(nil)
	id := tr.Create("s", "t", "title", "")

	const n = 3
	var wg sync.WaitGroup
	wg.Add(n - 1)

	// One observer panics; the other two must still be notified.
	tr.RegisterObserver(func(Record) { panic("observer exploded") })
	for i := 0; i < n-1; i++ {
		tr.RegisterObserver(func(rec Record) {
			defer wg.Done()
			assert.Equal(t, id, rec.TaskID)
		})
	}

	_, err := tr.Update(id, Update{Progress: intPtr(10)})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("observers were not all notified")
	}
}

func TestTracker_UnregisterObserverStopsDelivery(t *testing.T) {
	tr := NewTracker(nil)
	id := tr.Create("s", "t", "title", "")

	got := make(chan Record, 4)
	handle := tr.RegisterObserver(func(rec Record) { got <- rec })

	_, err := tr.Update(id, Update{Progress: intPtr(5)})
	require.NoError(t, err)
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a notification before unregistering")
	}

	tr.UnregisterObserver(handle)
	_, err = tr.Update(id, Update{Progress: intPtr(6)})
	require.NoError(t, err)
	select {
	case rec := <-got:
		t.Fatalf("unexpected notification after unregister: %+v", rec)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTracker_CleanupRemovesOldTerminalRecords(t *testing.T) {
	tr := NewTracker(nil)

	old := tr.Create("s", "t", "old", "")
	_, err := tr.Complete(old, "done")
	require.NoError(t, err)

	fresh := tr.Create("s", "t", "fresh", "")
	running := tr.Create("s", "t", "running", "")
	_, err = tr.Update(running, Update{Status: statusPtr(StatusRunning)})
	require.NoError(t, err)

	// Age the completed record artificially.
	e, err := tr.entry(old)
	require.NoError(t, err)
	past := time.Now().Add(-2 * time.Hour)
	e.mu.Lock()
	e.rec.CompletedAt = &past
	e.mu.Unlock()

	removed := tr.Cleanup(time.Hour)
	assert.Equal(t, 1, removed)

	_, err = tr.Get(old)
	assert.ErrorIs(t, err, ErrTaskNotFound)
	_, err = tr.Get(fresh)
	assert.NoError(t, err)
	_, err = tr.Get(running)
	assert.NoError(t, err)
}

func TestTracker_ConcurrentUpdates(t *testing.T) {
	tr := NewTracker(nil)
	ids := []string{
		tr.Create("s", "t", "a", ""),
		tr.Create("s", "t", "b", ""),
		tr.Create("s", "t", "c", ""),
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		for p := 1; p <= 50; p++ {
			wg.Add(1)
			go func(id string, p int) {
				defer wg.Done()
				_, err := tr.Update(id, Update{Progress: intPtr(p)})
				assert.NoError(t, err)
			}(id, p)
		}
	}
	wg.Wait()

	for _, id := range ids {
		rec, err := tr.Get(id)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, rec.Progress, 1)
		assert.LessOrEqual(t, rec.Progress, 50)
	}
}

func TestTracker_Delete(t *testing.T) {
	tr := NewTracker(nil)
	id := tr.Create("s", "t", "title", "")

	assert.True(t, tr.Delete(id))
	assert.False(t, tr.Delete(id))
	assert.Empty(t, tr.BySession("s"))
}
