package state

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskDuration(t *testing.T) {
	start := time.Now()
	end := start.Add(90 * time.Second)

	task := &Task{ID: "t1"}
	assert.Equal(t, time.Duration(0), task.Duration())

	task.StartTime = &start
	task.EndTime = &end
	assert.Equal(t, 90*time.Second, task.Duration())
}

func TestCompletionKeyIncludesContentHash(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "parser_readEvent.md")
	require.NoError(t, os.WriteFile(path, []byte("original content"), 0o644))

	task := &Task{ID: "parser_readEvent", FilePath: path}
	key1 := task.CompletionKey()

	assert.Regexp(t, regexp.MustCompile(`^parser_readEvent:[0-9a-f]{8}$`), key1)

	// Same content, same key.
	assert.Equal(t, key1, task.CompletionKey())

	// Changed content, different key.
	require.NoError(t, os.WriteFile(path, []byte("edited content"), 0o644))
	key2 := task.CompletionKey()
	assert.NotEqual(t, key1, key2)
	assert.Regexp(t, regexp.MustCompile(`^parser_readEvent:[0-9a-f]{8}$`), key2)
}

func TestCompletionKeyMissingFile(t *testing.T) {
	task := &Task{ID: "ghost", FilePath: "/does/not/exist.md"}
	assert.Equal(t, "ghost", task.CompletionKey())
}

func TestMarkCompletedIdempotent(t *testing.T) {
	s := NewPipelineState("session-1")
	s.MarkCompleted("a:11111111")
	s.MarkCompleted("a:11111111")
	s.MarkCompleted("b:22222222")

	assert.Equal(t, []string{"a:11111111", "b:22222222"}, s.CompletedKeys)
	assert.True(t, s.IsCompleted("a:11111111"))
	assert.False(t, s.IsCompleted("c:33333333"))
}

func TestProgress(t *testing.T) {
	s := NewPipelineState("session-1")
	for _, id := range []string{"a", "b", "c", "d"} {
		s.Tasks = append(s.Tasks, &Task{ID: id})
	}
	s.MarkCompleted("a:x")
	s.MarkCompleted("b:y")

	p := s.Progress()
	assert.Equal(t, 4, p.Total)
	assert.Equal(t, 2, p.Completed)
	assert.Equal(t, 2, p.Pending)
	assert.Equal(t, 50.0, p.Percent)
}

func TestStatusDone(t *testing.T) {
	assert.True(t, StatusComplete.Done())
	assert.True(t, StatusPass.Done())
	assert.False(t, StatusError.Done())
	assert.False(t, StatusPending.Done())
}

func TestFindTask(t *testing.T) {
	s := NewPipelineState("session-1")
	s.Tasks = []*Task{{ID: "a"}, {ID: "b"}}

	require.NotNil(t, s.FindTask("b"))
	assert.Nil(t, s.FindTask("z"))
}
