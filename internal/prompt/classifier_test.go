package prompt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClassifier() *Classifier {
	return NewClassifier(
		"analysis_results",
		"SYNC_STATUS.md",
		[]string{".zig", ".py", ".js", ".ts"},
		[]string{"src"},
	)
}

const creationDialog = `Do you want to create analysis_results/simplification/parser_readEvent.md?

 ❯ 1. Yes
   2. Yes, and don't ask again this session
   3. No, and give different instructions
`

func TestClassifyCreationDialog(t *testing.T) {
	c := newTestClassifier()

	info := c.Classify(creationDialog)
	require.NotNil(t, info)
	assert.Equal(t, KindFileCreation, info.Kind)
	assert.Equal(t, "analysis_results/simplification/parser_readEvent.md", info.Path)
	assert.GreaterOrEqual(t, info.Confidence, 0.7)
}

func TestClassifyEditDialog(t *testing.T) {
	c := newTestClassifier()

	text := `Do you want to make this edit to src/parser.zig?

 1. Yes
 2. Yes, and don't ask again
 3. No
`
	info := c.Classify(text)
	require.NotNil(t, info)
	assert.Equal(t, KindModification, info.Kind)
	assert.Equal(t, "src/parser.zig", info.Path)
}

func TestClassifyRequiresBothCues(t *testing.T) {
	c := newTestClassifier()

	// Question without numbered options: ordinary output.
	assert.Nil(t, c.Classify("Do you want to create the file?"))

	// Numbered list without any question: ordinary file content.
	assert.Nil(t, c.Classify("1. parse header\n2. read events\n3. close file"))

	assert.Nil(t, c.Classify(""))
}

func TestClassifyTruncatesRawText(t *testing.T) {
	c := newTestClassifier()

	long := creationDialog
	for len(long) < 2000 {
		long += "padding line that repeats\n"
	}
	info := c.Classify(long)
	require.NotNil(t, info)
	assert.LessOrEqual(t, len(info.RawText), 500)
}

func TestExtractPath(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"Do you want to create analysis_results/foo.md?", "analysis_results/foo.md"},
		{"Do you want to make this edit to src/main.zig?", "src/main.zig"},
		{"Create new file: notes/thing.md", "notes/thing.md"},
		{"saving SYNC_STATUS.md now", "SYNC_STATUS.md"},
		{"no path here at all", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExtractPath(tt.text), tt.text)
	}
}

func TestDecide(t *testing.T) {
	c := newTestClassifier()

	tests := []struct {
		name string
		path string
		want Decision
	}{
		{"markdown under results dir", "analysis_results/simplification/foo.md", Approve},
		{"mailbox file", "SYNC_STATUS.md", Approve},
		{"progress artifact", "ANALYSIS_PROGRESS.md", Approve},
		{"source extension", "analysis_results/evil.zig", Reject},
		{"source directory", "src/README.txt", Reject},
		{"python file", "tools/gen.py", Reject},
		{"markdown outside results dir", "docs/notes.md", Unknown},
		{"no path", "", Unknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := &Info{Kind: KindFileCreation, Path: tt.path}
			assert.Equal(t, tt.want, c.Decide(info))
		})
	}

	assert.Equal(t, Unknown, c.Decide(nil))
}

func TestDecideSourceRejectBeatsResultsDir(t *testing.T) {
	c := newTestClassifier()

	// A source extension is rejected even inside the results dir.
	info := &Info{Path: "analysis_results/simplification/patch.py"}
	assert.Equal(t, Reject, c.Decide(info))
}
