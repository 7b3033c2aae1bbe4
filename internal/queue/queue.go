// Package queue builds the task list for a session from the extraction
// manifest, falling back to a directory scan when no manifest exists.
package queue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/zmidi/autopilot/internal/errors"
	"github.com/zmidi/autopilot/internal/log"
	"github.com/zmidi/autopilot/internal/pathutil"
	"github.com/zmidi/autopilot/internal/state"
)

// ManifestName is the conventional manifest file inside the input dir.
const ManifestName = "function_manifest.json"

// manifest mirrors the extraction tool's output. Only the fields the
// loader needs are decoded.
type manifest struct {
	Functions []manifestEntry `json:"functions"`
}

type manifestEntry struct {
	Index        int    `json:"index"`
	Name         string `json:"name"`
	FilePath     string `json:"file_path"`
	FunctionFile string `json:"function_file"`
	Type         string `json:"type"`
}

// Loader turns extracted function files into tasks.
type Loader struct {
	inputDir     string
	outputDir    string
	phase        string
	excludeTests bool
	logger       *log.Logger
}

// NewLoader creates a loader reading from inputDir and targeting
// outputDir for result documents.
func NewLoader(inputDir, outputDir, phase string, excludeTests bool) *Loader {
	if phase == "" {
		phase = "simplification"
	}
	return &Loader{
		inputDir:     inputDir,
		outputDir:    outputDir,
		phase:        phase,
		excludeTests: excludeTests,
		logger:       log.DefaultLogger().With("component", "queue"),
	}
}

// SessionPrefix derives the task id prefix for a session started at t.
// Ids stay unique across sessions so completion keys from an old run
// cannot mask a new run's tasks.
func SessionPrefix(t time.Time) string {
	return fmt.Sprintf("s%s-", t.Format("0102-1504"))
}

// Load returns the session's tasks in manifest order (or sorted name
// order for the directory fallback). Tasks whose completion key is
// already recorded in st are filtered out.
func (l *Loader) Load(st *state.PipelineState) ([]*state.Task, error) {
	files, err := l.sourceFiles()
	if err != nil {
		return nil, err
	}

	prefix := ""
	if st.StartTime != nil {
		prefix = SessionPrefix(*st.StartTime)
	}

	tasks := make([]*state.Task, 0, len(files))
	for _, file := range files {
		normalized := pathutil.Normalize(file)
		base := strings.TrimSuffix(filepath.Base(normalized), filepath.Ext(normalized))
		task := &state.Task{
			ID:         prefix + base,
			FilePath:   normalized,
			Phase:      l.phase,
			OutputPath: filepath.Join(l.outputDir, base+".md"),
			Status:     state.StatusPending,
		}
		if st.IsCompleted(task.CompletionKey()) {
			continue
		}
		tasks = append(tasks, task)
	}

	l.logger.Info("task queue loaded",
		"candidates", len(files),
		"pending", len(tasks),
		"already_complete", len(files)-len(tasks))
	return tasks, nil
}

// sourceFiles prefers the manifest; without one it scans the input
// directory for extracted function files.
func (l *Loader) sourceFiles() ([]string, error) {
	manifestPath := filepath.Join(l.inputDir, ManifestName)
	data, err := os.ReadFile(manifestPath)
	if err == nil {
		return l.fromManifest(data)
	}
	if !os.IsNotExist(err) {
		return nil, errors.Wrap(errors.ErrCodeFileReadFailed, "read function manifest", err)
	}

	l.logger.Warn("no function manifest, scanning input directory", "dir", l.inputDir)
	return l.fromScan()
}

func (l *Loader) fromManifest(data []byte) ([]string, error) {
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(errors.ErrCodeFileUnmarshal, "parse function manifest", err)
	}

	files := make([]string, 0, len(m.Functions))
	for _, fn := range m.Functions {
		if l.excludeTests && fn.Type != "function" {
			continue
		}
		files = append(files, filepath.Join(l.inputDir, fn.FunctionFile))
	}
	return files, nil
}

func (l *Loader) fromScan() ([]string, error) {
	entries, err := os.ReadDir(l.inputDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewFileNotFoundError(l.inputDir).
				WithSuggestion("Run the extraction tool to populate the input directory")
		}
		return nil, errors.Wrap(errors.ErrCodeFileReadFailed, "scan input directory", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		ext := filepath.Ext(name)
		if ext != ".txt" && ext != ".md" {
			continue
		}
		if l.excludeTests && strings.HasPrefix(name, "test_") {
			continue
		}
		files = append(files, filepath.Join(l.inputDir, name))
	}
	sort.Strings(files)
	return files, nil
}
