package engine

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zmidi/autopilot/internal/mailbox"
	"github.com/zmidi/autopilot/internal/state"
)

func analysisTask() *state.Task {
	return &state.Task{
		ID:         "s0826-1030-0001_readEvent",
		FilePath:   "/mnt/e/zmidi/extracted_functions/0001_readEvent.txt",
		Phase:      "simplification",
		OutputPath: "/mnt/e/zmidi/analysis_results/0001_readEvent.md",
		Status:     state.StatusPending,
	}
}

func TestAnalysisProcessorCanProcess(t *testing.T) {
	p := NewAnalysisProcessor("simplification", "SYNC_STATUS.md", 10)

	assert.True(t, p.CanProcess(analysisTask()))
	assert.False(t, p.CanProcess(&state.Task{Phase: "refactoring"}))
}

func TestAnalysisProcessorDescriptor(t *testing.T) {
	p := NewAnalysisProcessor("simplification", "SYNC_STATUS.md", 10)
	st := state.NewPipelineState("session")
	task := analysisTask()

	desc := p.Descriptor(task, st)

	// The descriptor is itself a parseable mailbox message.
	parsed := mailbox.Parse(desc)
	assert.Equal(t, mailbox.KindNewTask, parsed.Kind)

	// Paths are rendered in the worker's drive-letter convention.
	assert.Contains(t, desc, `E:\zmidi\extracted_functions\0001_readEvent.txt`)
	assert.Contains(t, desc, `E:\zmidi\analysis_results\0001_readEvent.md`)

	assert.Contains(t, desc, "STATUS: WORKING")
	assert.Contains(t, desc, "STATUS: PASS")
	assert.Contains(t, desc, "No simplification needed")
}

func TestAnalysisProcessorRuleReminderCadence(t *testing.T) {
	p := NewAnalysisProcessor("simplification", "SYNC_STATUS.md", 10)
	task := analysisTask()

	st := state.NewPipelineState("session")
	st.MessagesSent = 7
	assert.NotContains(t, p.Descriptor(task, st), "Rule reminder")

	st.MessagesSent = 20
	assert.Contains(t, p.Descriptor(task, st), "Rule reminder")

	// Disabled cadence never embeds the reminder.
	quiet := NewAnalysisProcessor("simplification", "SYNC_STATUS.md", 0)
	assert.NotContains(t, quiet.Descriptor(task, st), "Rule reminder")
}

func TestAnalysisProcessorMessage(t *testing.T) {
	p := NewAnalysisProcessor("simplification", "SYNC_STATUS.md", 10)

	msg := p.Message(analysisTask())
	require.NotEmpty(t, msg)
	assert.True(t, strings.HasPrefix(msg, "Task ready: "))
	assert.Contains(t, msg, "@SYNC_STATUS.md")
	assert.Contains(t, msg, "0001_readEvent")
}
