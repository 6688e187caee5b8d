package taskqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue() *Manager {
	frozen := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	return New(WithClock(func() time.Time { return frozen }))
}

func TestAddValidatesDescription(t *testing.T) {
	t.Parallel()
	queue := newTestQueue()

	_, err := queue.Add("   ", "", "", "", nil)
	require.Error(t, err)
	assert.Zero(t, queue.Len())

	task, err := queue.Add("resume the refactor", "persona", "", "notes", []string{"git status"})
	require.NoError(t, err)
	assert.Equal(t, "resume the refactor", task.Description)
	assert.Equal(t, 1, queue.Len())
}

func TestFIFOOrderAndPopAll(t *testing.T) {
	t.Parallel()
	queue := newTestQueue()

	for _, description := range []string{"first", "second", "third"} {
		_, err := queue.Add(description, "", "", "", nil)
		require.NoError(t, err)
	}

	popped := queue.PopAll()
	require.Len(t, popped, 3)
	assert.Equal(t, "first", popped[0].Description)
	assert.Equal(t, "third", popped[2].Description)
	assert.Zero(t, queue.Len())
	assert.Empty(t, queue.PopAll())
}

func TestPrependPreservesOrder(t *testing.T) {
	t.Parallel()
	queue := newTestQueue()

	_, err := queue.Add("already queued", "", "", "", nil)
	require.NoError(t, err)

	popped := newTestQueue()
	a, err := popped.Add("failed", "", "", "", nil)
	require.NoError(t, err)
	b, err := popped.Add("never sent", "", "", "", nil)
	require.NoError(t, err)

	queue.Prepend(popped.PopAll())
	listed := queue.List()
	require.Len(t, listed, 3)
	assert.Equal(t, a.ID, listed[0].ID)
	assert.Equal(t, b.ID, listed[1].ID)
	assert.Equal(t, "already queued", listed[2].Description)
}

func TestRemoveIndicesOneBased(t *testing.T) {
	t.Parallel()
	queue := newTestQueue()
	for _, description := range []string{"a", "b", "c", "d"} {
		_, err := queue.Add(description, "", "", "", nil)
		require.NoError(t, err)
	}

	removed, err := queue.RemoveIndices([]int{3, 1})
	require.NoError(t, err)
	require.Len(t, removed, 2)
	assert.Equal(t, "a", removed[0].Description)
	assert.Equal(t, "c", removed[1].Description)

	listed := queue.List()
	require.Len(t, listed, 2)
	assert.Equal(t, "b", listed[0].Description)
	assert.Equal(t, "d", listed[1].Description)
}

func TestRemoveIndicesOutOfRangeFailsWhole(t *testing.T) {
	t.Parallel()
	queue := newTestQueue()
	_, err := queue.Add("only", "", "", "", nil)
	require.NoError(t, err)

	_, err = queue.RemoveIndices([]int{1, 2})
	require.Error(t, err)
	assert.Equal(t, 1, queue.Len(), "failed removal must not mutate the queue")

	_, err = queue.RemoveIndices(nil)
	require.Error(t, err)
}

func TestClearAndReplace(t *testing.T) {
	t.Parallel()
	queue := newTestQueue()
	_, err := queue.Add("a", "", "", "", nil)
	require.NoError(t, err)
	_, err = queue.Add("b", "", "", "", nil)
	require.NoError(t, err)

	assert.Equal(t, 2, queue.Clear())
	assert.Zero(t, queue.Len())

	other := newTestQueue()
	task, err := other.Add("restored", "", "", "", nil)
	require.NoError(t, err)
	queue.Replace(other.List())
	require.Equal(t, 1, queue.Len())
	assert.Equal(t, task.ID, queue.List()[0].ID)
}
