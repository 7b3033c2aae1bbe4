package report

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReporter(t *testing.T) (*Reporter, string) {
	t.Helper()
	dir := t.TempDir()
	r := NewReporter(
		filepath.Join(dir, "ANALYSIS_PROGRESS.md"),
		filepath.Join(dir, "ACTION_REQUIRED.md"),
		filepath.Join(dir, "metrics.json"),
		"analysis_results/simplification",
	)
	return r, dir
}

func TestWriteProgress(t *testing.T) {
	r, dir := newTestReporter(t)
	r.SetTotal(4)
	r.StartTask("s0826-1030-b")

	require.NoError(t, r.CompleteTask(TaskMetric{
		TaskID:   "s0826-1030-a",
		FilePath: "extracted_functions/0001_a.txt",
		Status:   "COMPLETE",
		Duration: 120,
	}))

	data, err := os.ReadFile(filepath.Join(dir, "ANALYSIS_PROGRESS.md"))
	require.NoError(t, err)
	content := string(data)

	assert.Contains(t, content, "# ANALYSIS PROGRESS")
	assert.Contains(t, content, "**Total Tasks**: 4")
	assert.Contains(t, content, "**Completed**: 1 (25.0%)")
	assert.Contains(t, content, "**Remaining**: 3")
	assert.Contains(t, content, "25.0%")
	assert.Contains(t, content, "| COMPLETE | 1 |")
	assert.Contains(t, content, "0001_a.txt (120.0s)")
	assert.Contains(t, content, "**ETA**:")
}

func TestWriteProgressListsErrorsAndTimeouts(t *testing.T) {
	r, dir := newTestReporter(t)
	r.SetTotal(3)

	require.NoError(t, r.CompleteTask(TaskMetric{
		TaskID: "a", FilePath: "f/a.txt", Status: "ERROR", Duration: 10, Error: "build failed",
	}))
	require.NoError(t, r.CompleteTask(TaskMetric{
		TaskID: "b", FilePath: "f/b.txt", Status: "TIMEOUT", Duration: 1800,
	}))

	data, err := os.ReadFile(filepath.Join(dir, "ANALYSIS_PROGRESS.md"))
	require.NoError(t, err)
	content := string(data)

	assert.Contains(t, content, "## Errors")
	assert.Contains(t, content, "a.txt: build failed")
	assert.Contains(t, content, "## Timeouts")
	assert.Contains(t, content, "b.txt: Exceeded timeout limit")
}

func TestWriteActionListEmpty(t *testing.T) {
	r, dir := newTestReporter(t)
	require.NoError(t, r.WriteActionList())

	data, err := os.ReadFile(filepath.Join(dir, "ACTION_REQUIRED.md"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "No Simplifications Found")
}

func TestWriteActionListBuckets(t *testing.T) {
	r, dir := newTestReporter(t)
	r.SetTotal(3)

	for _, m := range []TaskMetric{
		{TaskID: "a", FilePath: "f/0001_high.txt", Status: "COMPLETE", Duration: 60, FindingsFound: true, ComplexityReduction: 0.55},
		{TaskID: "b", FilePath: "f/0002_mid.txt", Status: "COMPLETE", Duration: 60, FindingsFound: true, ComplexityReduction: 0.30},
		{TaskID: "c", FilePath: "f/0003_low.txt", Status: "COMPLETE", Duration: 60, FindingsFound: true, ComplexityReduction: 0.10},
	} {
		require.NoError(t, r.CompleteTask(m))
	}
	require.NoError(t, r.WriteActionList())

	data, err := os.ReadFile(filepath.Join(dir, "ACTION_REQUIRED.md"))
	require.NoError(t, err)
	content := string(data)

	assert.Contains(t, content, "**Total Simplifications Found**: 3")
	assert.Less(t,
		strings.Index(content, "0001_high.txt"),
		strings.Index(content, "0002_mid.txt"))
	assert.Contains(t, content, "- [ ] 0001_high.txt - 55% reduction")
	assert.Contains(t, content, filepath.Join("analysis_results/simplification", "0003_low.md"))
}

func TestSaveMetrics(t *testing.T) {
	r, dir := newTestReporter(t)
	r.SetTotal(1)
	require.NoError(t, r.CompleteTask(TaskMetric{
		TaskID: "a", FilePath: "f/a.txt", Status: "COMPLETE", Duration: 42,
	}))

	require.NoError(t, r.SaveMetrics())

	data, err := os.ReadFile(filepath.Join(dir, "metrics.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"completed_tasks": 1`)
	assert.Contains(t, string(data), `"duration_seconds": 42`)
}

func TestSummaryContainsCounts(t *testing.T) {
	r, _ := newTestReporter(t)
	r.SetTotal(10)
	require.NoError(t, r.CompleteTask(TaskMetric{
		TaskID: "a", FilePath: "f/a.txt", Status: "ERROR", Duration: 5,
	}))

	out := r.Summary()
	assert.Contains(t, out, "PROGRESS SUMMARY")
	assert.Contains(t, out, "10")
	assert.Contains(t, out, "Errors")
}

func TestDynamicTimeout(t *testing.T) {
	r, _ := newTestReporter(t)

	base := 5 * time.Minute
	ceiling := 30 * time.Minute

	// No history: size-driven only.
	assert.Equal(t, 7*time.Minute, r.DynamicTimeout(2000, base, ceiling))

	// History pushes the estimate up.
	require.NoError(t, r.CompleteTask(TaskMetric{
		TaskID: "a", FilePath: "f/a.txt", Status: "COMPLETE", Duration: 600,
	}))
	withHistory := r.DynamicTimeout(2000, base, ceiling)
	assert.Equal(t, 7*time.Minute+15*time.Minute, withHistory)

	// Clamped to the ceiling.
	assert.Equal(t, ceiling, r.DynamicTimeout(1_000_000, base, ceiling))
}
