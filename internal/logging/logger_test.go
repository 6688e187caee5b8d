package logging

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAtWritesJSONRecords(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	logger, err := NewAt(context.Background(), dir, WithRunID("run-1"), WithSessionID("sess_abc"))
	require.NoError(t, err)

	logger.Logger.Info("restart scheduled", "attempt", 2)
	require.NoError(t, logger.Close())

	raw, err := os.ReadFile(logger.Path())
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.GreaterOrEqual(t, len(lines), 2, "init record plus one message")

	var record map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &record))
	assert.Equal(t, "restart scheduled", record["msg"])
	assert.Equal(t, "run-1", record["run_id"])
	assert.Equal(t, "sess_abc", record["session_id"])
	assert.EqualValues(t, 2, record["attempt"])
}

func TestFileNameIncludesRunID(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	logger, err := NewAt(context.Background(), dir, WithRunID("alpha"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = logger.Close() })

	base := strings.TrimSuffix(logger.Path(), ".log")
	assert.True(t, strings.HasSuffix(base, "-alpha"), "path %q carries the run id", logger.Path())
	assert.Contains(t, logger.Path(), "drydock-")
}

func TestWithLevelFiltersRecords(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	logger, err := NewAt(context.Background(), dir, WithLevel("error"))
	require.NoError(t, err)

	logger.Logger.Info("suppressed")
	logger.Logger.Error("kept")
	require.NoError(t, logger.Close())

	raw, err := os.ReadFile(logger.Path())
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "suppressed")
	assert.Contains(t, string(raw), "kept")
}

func TestSessionIDRebindsMidRun(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	logger, err := NewAt(context.Background(), dir, WithLevel("info"))
	require.NoError(t, err)

	logger.WithSessionID("sess_late").Logger.Info("bound")
	require.NoError(t, logger.Close())

	raw, err := os.ReadFile(logger.Path())
	require.NoError(t, err)
	assert.Contains(t, string(raw), "sess_late")
}

func TestNilReceiverIsSafe(t *testing.T) {
	t.Parallel()
	var logger *RuntimeLogger
	assert.Nil(t, logger.WithRunID("x"))
	assert.NoError(t, logger.Close())
	assert.Empty(t, logger.Path())
}
