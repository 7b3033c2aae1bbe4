package engine

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/zmidi/autopilot/internal/pathutil"
	"github.com/zmidi/autopilot/internal/state"
)

// Processor prepares the dispatch payload for tasks of one phase. The
// engine asks each registered processor in order and uses the first
// that accepts the task.
type Processor interface {
	// CanProcess reports whether this processor handles the task.
	CanProcess(t *state.Task) bool
	// Descriptor renders the full mailbox content announcing the
	// task to the worker, NEW_TASK header included.
	Descriptor(t *state.Task, st *state.PipelineState) string
	// Message renders the short side-channel message pointing the
	// worker at the mailbox.
	Message(t *state.Task) string
}

// AnalysisProcessor dispatches function simplification analyses. The
// descriptor it writes is the worker's entire briefing for one task:
// the mission, the output contract, and the rules the worker tends to
// forget on long sessions.
type AnalysisProcessor struct {
	phase         string
	mailboxName   string
	reminderEvery int
}

// NewAnalysisProcessor builds the simplification processor. The rule
// reminder is re-embedded every reminderEvery messages (0 disables it).
func NewAnalysisProcessor(phase, mailboxName string, reminderEvery int) *AnalysisProcessor {
	if phase == "" {
		phase = "simplification"
	}
	if mailboxName == "" {
		mailboxName = "SYNC_STATUS.md"
	}
	return &AnalysisProcessor{
		phase:         phase,
		mailboxName:   mailboxName,
		reminderEvery: reminderEvery,
	}
}

var _ Processor = (*AnalysisProcessor)(nil)

// CanProcess accepts tasks of the configured phase.
func (p *AnalysisProcessor) CanProcess(t *state.Task) bool {
	return t.Phase == p.phase
}

// Descriptor renders the task briefing written to the mailbox.
func (p *AnalysisProcessor) Descriptor(t *state.Task, st *state.PipelineState) string {
	input := pathutil.ToHostPath(t.FilePath)
	output := pathutil.ToHostPath(t.OutputPath)

	var b strings.Builder
	fmt.Fprintf(&b, "STATUS: NEW_TASK\n\n")
	fmt.Fprintf(&b, "## Task: %s - Code Simplification Analysis\n\n", input)
	fmt.Fprintf(&b, "**Function**: `%s`\n", input)
	fmt.Fprintf(&b, "**Output**: `%s`\n\n", output)

	b.WriteString(`### Mission
Read the function. Ask "Why is this complex when it could be simpler?"
Test your simpler version in isolation. If tests pass, recommend it.
If not, say it is fine as is.

### Protocol
1. Create an isolated test environment for the function
2. Extract the function plus the types it depends on
3. Build test cases with realistic data and record baseline metrics
4. Apply simplifications in the isolated environment only
5. Verify identical output for every test case
6. Document measured metrics, never estimates
7. Clean up the test environment afterwards

### Requirements
- Be direct about findings; do not fabricate metrics or results
- Report only changes with at least 20% complexity reduction
- If the function is already minimal, write "No simplification needed" and set STATUS: PASS
`)

	fmt.Fprintf(&b, "\nSave the analysis to exactly this file:\n```\n%s\n```\n", output)
	b.WriteString("When prompted to create this file, always accept.\n")

	if p.reminderEvery > 0 && st.MessagesSent > 0 && st.MessagesSent%p.reminderEvery == 0 {
		b.WriteString(p.ruleReminder())
	}

	b.WriteString(`
### Steps
1. Immediately update this file with "STATUS: WORKING"
2. Analyze the function using the isolated testing protocol
3. Write the analysis document to the output path above
4. Update this file with "STATUS: COMPLETE" (or "STATUS: PASS")
`)
	fmt.Fprintf(&b, "\nThis is a focused analysis of %s.\n", filepath.Base(input))
	fmt.Fprintf(&b, "\nLast updated: %s\n", time.Now().Format("2006-01-02 15:04:05"))
	return b.String()
}

// Message renders the short notification sent over the side channel.
func (p *AnalysisProcessor) Message(t *state.Task) string {
	return fmt.Sprintf("Task ready: %s | Read @%s for full instructions | "+
		"Function simplification analysis | Documentation only, no source modifications | "+
		"Evidence-based findings only",
		pathutil.ToHostPath(t.FilePath), p.mailboxName)
}

func (p *AnalysisProcessor) ruleReminder() string {
	return `
### Rule reminder

You are communicating with an autonomous pipeline:
- Never modify source code; create .md documentation only
- Only create files under the analysis results directory
- Always accept prompts for .md files, never for source files
`
}
