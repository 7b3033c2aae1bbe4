// Package report generates the human-readable progress artifacts:
// ANALYSIS_PROGRESS.md, ACTION_REQUIRED.md, a JSON metrics dump, and
// the console summary.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/zmidi/autopilot/internal/errors"
)

// TaskMetric records the outcome of one finished task.
type TaskMetric struct {
	TaskID              string    `json:"task_id"`
	FilePath            string    `json:"file_path"`
	Status              string    `json:"status"`
	Duration            float64   `json:"duration_seconds"`
	EndTime             time.Time `json:"end_time"`
	Retries             int       `json:"retries"`
	Error               string    `json:"error,omitempty"`
	FindingsFound       bool      `json:"findings_found"`
	ComplexityReduction float64   `json:"complexity_reduction,omitempty"`
}

// Reporter accumulates metrics and renders the artifacts.
type Reporter struct {
	progressPath string
	actionPath   string
	metricsPath  string
	resultsDir   string

	mu          sync.Mutex
	startTime   time.Time
	totalTasks  int
	currentTask string
	metrics     []TaskMetric
}

// NewReporter creates a reporter writing to the given artifact paths.
func NewReporter(progressPath, actionPath, metricsPath, resultsDir string) *Reporter {
	return &Reporter{
		progressPath: progressPath,
		actionPath:   actionPath,
		metricsPath:  metricsPath,
		resultsDir:   resultsDir,
		startTime:    time.Now(),
	}
}

// SetTotal sets the session's task count.
func (r *Reporter) SetTotal(total int) {
	r.mu.Lock()
	r.totalTasks = total
	r.mu.Unlock()
}

// StartTask marks a task as in flight.
func (r *Reporter) StartTask(taskID string) {
	r.mu.Lock()
	r.currentTask = taskID
	r.mu.Unlock()
}

// CompleteTask records a finished task and refreshes the progress file.
func (r *Reporter) CompleteTask(m TaskMetric) error {
	if m.EndTime.IsZero() {
		m.EndTime = time.Now()
	}
	r.mu.Lock()
	r.metrics = append(r.metrics, m)
	r.currentTask = ""
	r.mu.Unlock()
	return r.WriteProgress()
}

type stats struct {
	total      int
	completed  int
	remaining  int
	percent    float64
	current    string
	elapsed    time.Duration
	avg        float64
	p50        float64
	p95        float64
	fastest    float64
	slowest    float64
	rolling5   float64
	throughput float64
	eta        string
	successes  int
	errors     int
	timeouts   int
	passes     int
	completes  int
	findings   int
}

func (r *Reporter) snapshot() ([]TaskMetric, stats) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := stats{
		total:     r.totalTasks,
		completed: len(r.metrics),
		current:   r.currentTask,
		elapsed:   time.Since(r.startTime),
	}
	s.remaining = s.total - s.completed
	if s.remaining < 0 {
		s.remaining = 0
	}
	if s.total > 0 {
		s.percent = float64(s.completed) / float64(s.total) * 100
	}

	durations := make([]float64, 0, len(r.metrics))
	for _, m := range r.metrics {
		durations = append(durations, m.Duration)
		switch m.Status {
		case "COMPLETE":
			s.completes++
			s.successes++
		case "PASS":
			s.passes++
			s.successes++
		case "ERROR":
			s.errors++
		case "TIMEOUT":
			s.timeouts++
		}
		if m.FindingsFound {
			s.findings++
		}
	}

	if len(durations) > 0 {
		sum := 0.0
		for _, d := range durations {
			sum += d
		}
		s.avg = sum / float64(len(durations))

		sorted := append([]float64(nil), durations...)
		sort.Float64s(sorted)
		s.p50 = sorted[int(0.50*float64(len(sorted)-1))]
		s.p95 = sorted[int(0.95*float64(len(sorted)-1))]
		s.fastest = sorted[0]
		s.slowest = sorted[len(sorted)-1]

		last := durations
		if len(last) > 5 {
			last = last[len(last)-5:]
		}
		rsum := 0.0
		for _, d := range last {
			rsum += d
		}
		s.rolling5 = rsum / float64(len(last))

		hours := s.elapsed.Hours()
		if hours > 0 {
			s.throughput = float64(s.completed) / hours
		}
	}

	s.eta = "—"
	if s.remaining > 0 && s.avg > 0 {
		remaining := time.Duration(s.avg*float64(s.remaining)) * time.Second
		s.eta = time.Now().Add(remaining).Format("2006-01-02 15:04:05")
	}

	return append([]TaskMetric(nil), r.metrics...), s
}

func progressBar(percent float64) string {
	const width = 20
	filled := int(percent/100*width + 0.5)
	if filled > width {
		filled = width
	}
	return fmt.Sprintf("[%s%s] %.1f%%",
		strings.Repeat("█", filled),
		strings.Repeat("░", width-filled),
		percent)
}

// WriteProgress renders ANALYSIS_PROGRESS.md.
func (r *Reporter) WriteProgress() error {
	metrics, s := r.snapshot()

	status := "WAITING"
	if s.current != "" {
		status = "RUNNING"
	}
	currentLabel := s.current
	if currentLabel == "" {
		currentLabel = "None"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# ANALYSIS PROGRESS\n\n")
	fmt.Fprintf(&b, "## Overview\n")
	fmt.Fprintf(&b, "- **Started**: %s\n", r.startTime.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "- **Elapsed**: %s\n", s.elapsed.Truncate(time.Second))
	fmt.Fprintf(&b, "- **Status**: %s\n\n", status)

	fmt.Fprintf(&b, "## Progress\n")
	fmt.Fprintf(&b, "- **Total Tasks**: %d\n", s.total)
	fmt.Fprintf(&b, "- **Completed**: %d (%.1f%%)\n", s.completed, s.percent)
	fmt.Fprintf(&b, "- **Remaining**: %d\n", s.remaining)
	fmt.Fprintf(&b, "- **Current Task**: %s\n", currentLabel)
	fmt.Fprintf(&b, "- **Progress Bar**: %s\n\n", progressBar(s.percent))

	fmt.Fprintf(&b, "- **Throughput**: %.2f tasks/hour\n", s.throughput)
	fmt.Fprintf(&b, "- **Median Duration**: %.1fs\n", s.p50)
	fmt.Fprintf(&b, "- **P95 Duration**: %.1fs\n", s.p95)
	fmt.Fprintf(&b, "- **Fastest/Slowest**: %.1fs / %.1fs\n", s.fastest, s.slowest)
	fmt.Fprintf(&b, "- **Rolling Avg (last 5)**: %.1fs\n", s.rolling5)
	fmt.Fprintf(&b, "- **ETA**: %s\n\n", s.eta)

	successRate := 0.0
	if s.completed > 0 {
		successRate = float64(s.successes) / float64(s.completed) * 100
	}
	fmt.Fprintf(&b, "## Performance\n")
	fmt.Fprintf(&b, "- **Average Duration**: %.1fs per task\n", s.avg)
	fmt.Fprintf(&b, "- **Success Rate**: %.1f%%\n", successRate)
	fmt.Fprintf(&b, "- **Findings**: %d\n\n", s.findings)

	denom := s.completed
	if denom == 0 {
		denom = 1
	}
	fmt.Fprintf(&b, "## Task Summary\n")
	fmt.Fprintf(&b, "| Status | Count | Percentage |\n")
	fmt.Fprintf(&b, "|--------|-------|------------|\n")
	fmt.Fprintf(&b, "| COMPLETE | %d | %.1f%% |\n", s.completes, float64(s.completes)/float64(denom)*100)
	fmt.Fprintf(&b, "| PASS | %d | %.1f%% |\n", s.passes, float64(s.passes)/float64(denom)*100)
	fmt.Fprintf(&b, "| ERROR | %d | %.1f%% |\n", s.errors, float64(s.errors)/float64(denom)*100)
	fmt.Fprintf(&b, "| TIMEOUT | %d | %.1f%% |\n", s.timeouts, float64(s.timeouts)/float64(denom)*100)

	fmt.Fprintf(&b, "\n## Recent Tasks\n")
	recent := metrics
	if len(recent) > 10 {
		recent = recent[len(recent)-10:]
	}
	for i := len(recent) - 1; i >= 0; i-- {
		m := recent[i]
		icon := "✅"
		switch m.Status {
		case "PASS":
			icon = "⭕"
		case "TIMEOUT":
			icon = "⏱️"
		case "ERROR":
			icon = "❌"
		}
		fmt.Fprintf(&b, "- %s %s (%.1fs)\n", icon, filepath.Base(m.FilePath), m.Duration)
	}

	if s.errors > 0 {
		fmt.Fprintf(&b, "\n## Errors\n")
		for _, m := range metrics {
			if m.Status == "ERROR" {
				msg := m.Error
				if msg == "" {
					msg = "Unknown error"
				}
				fmt.Fprintf(&b, "- %s: %s\n", filepath.Base(m.FilePath), msg)
			}
		}
	}
	if s.timeouts > 0 {
		fmt.Fprintf(&b, "\n## Timeouts\n")
		for _, m := range metrics {
			if m.Status == "TIMEOUT" {
				fmt.Fprintf(&b, "- %s: Exceeded timeout limit\n", filepath.Base(m.FilePath))
			}
		}
	}

	fmt.Fprintf(&b, "\n---\n*Last updated: %s*\n", time.Now().Format("2006-01-02 15:04:05"))

	if err := os.WriteFile(r.progressPath, []byte(b.String()), 0o644); err != nil {
		return errors.Wrap(errors.ErrCodeFileWriteFailed, "write progress file", err)
	}
	return nil
}

// WriteActionList renders ACTION_REQUIRED.md, bucketing findings by
// estimated complexity reduction.
func (r *Reporter) WriteActionList() error {
	metrics, s := r.snapshot()

	var findings []TaskMetric
	for _, m := range metrics {
		if m.FindingsFound {
			findings = append(findings, m)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# ACTION REQUIRED\n\n")

	if len(findings) == 0 {
		fmt.Fprintf(&b, "## No Simplifications Found\n\n")
		fmt.Fprintf(&b, "All analyzed functions are already optimized. No changes required.\n")
	} else {
		sort.Slice(findings, func(i, j int) bool {
			return findings[i].ComplexityReduction > findings[j].ComplexityReduction
		})

		denom := s.completed
		if denom == 0 {
			denom = 1
		}
		fmt.Fprintf(&b, "## Summary\n")
		fmt.Fprintf(&b, "- **Total Simplifications Found**: %d\n", len(findings))
		fmt.Fprintf(&b, "- **Functions Analyzed**: %d\n", s.completed)
		fmt.Fprintf(&b, "- **Hit Rate**: %.1f%%\n\n", float64(len(findings))/float64(denom)*100)

		fmt.Fprintf(&b, "## Priority Changes\n\n")
		writeBucket := func(title string, match func(float64) bool) {
			fmt.Fprintf(&b, "### %s\n", title)
			any := false
			for _, f := range findings {
				if match(f.ComplexityReduction) {
					any = true
					fmt.Fprintf(&b, "- [ ] %s - %.0f%% reduction\n",
						filepath.Base(f.FilePath), f.ComplexityReduction*100)
				}
			}
			if !any {
				fmt.Fprintf(&b, "- None\n")
			}
			fmt.Fprintf(&b, "\n")
		}
		writeBucket("HIGH PRIORITY (>40% complexity reduction)", func(c float64) bool { return c > 0.4 })
		writeBucket("MEDIUM PRIORITY (20-40% complexity reduction)", func(c float64) bool { return c >= 0.2 && c <= 0.4 })
		writeBucket("LOW PRIORITY (<20% complexity reduction)", func(c float64) bool { return c < 0.2 })

		fmt.Fprintf(&b, "## Files to Review\n")
		for _, f := range findings {
			base := strings.TrimSuffix(filepath.Base(f.FilePath), filepath.Ext(f.FilePath))
			fmt.Fprintf(&b, "- %s\n", filepath.Join(r.resultsDir, base+".md"))
		}
	}

	fmt.Fprintf(&b, "\n---\n*Generated: %s*\n", time.Now().Format("2006-01-02 15:04:05"))

	if err := os.WriteFile(r.actionPath, []byte(b.String()), 0o644); err != nil {
		return errors.Wrap(errors.ErrCodeFileWriteFailed, "write action file", err)
	}
	return nil
}

// SaveMetrics dumps the raw metrics as JSON.
func (r *Reporter) SaveMetrics() error {
	metrics, s := r.snapshot()

	payload := map[string]any{
		"session": map[string]any{
			"start_time":      r.startTime,
			"elapsed_seconds": s.elapsed.Seconds(),
			"total_tasks":     s.total,
			"completed_tasks": s.completed,
		},
		"tasks": metrics,
		"summary": map[string]any{
			"percent":  s.percent,
			"findings": s.findings,
			"errors":   s.errors,
			"timeouts": s.timeouts,
		},
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return errors.Wrap(errors.ErrCodeFileWriteFailed, "marshal metrics", err)
	}
	if err := os.WriteFile(r.metricsPath, data, 0o644); err != nil {
		return errors.Wrap(errors.ErrCodeFileWriteFailed, "write metrics file", err)
	}
	return nil
}

var (
	summaryTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	summaryGoodStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	summaryBadStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	summaryBoxStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			Padding(0, 2)
)

// Summary renders the console progress summary.
func (r *Reporter) Summary() string {
	_, s := r.snapshot()

	lines := []string{
		summaryTitleStyle.Render("PROGRESS SUMMARY"),
		fmt.Sprintf("Total tasks:  %d", s.total),
		fmt.Sprintf("Completed:    %d (%.1f%%)", s.completed, s.percent),
		fmt.Sprintf("Remaining:    %d", s.remaining),
		summaryGoodStyle.Render(fmt.Sprintf("Findings:     %d", s.findings)),
	}
	if s.errors > 0 || s.timeouts > 0 {
		lines = append(lines, summaryBadStyle.Render(
			fmt.Sprintf("Errors:       %d   Timeouts: %d", s.errors, s.timeouts)))
	}
	lines = append(lines, fmt.Sprintf("Elapsed:      %s", s.elapsed.Truncate(time.Second)))

	return summaryBoxStyle.Render(strings.Join(lines, "\n"))
}

// DynamicTimeout estimates a wait window for a task from its input
// size and observed history, clamped to [base, ceiling].
func (r *Reporter) DynamicTimeout(fileSize int64, base, ceiling time.Duration) time.Duration {
	_, s := r.snapshot()

	timeout := base
	// A minute per KB of input.
	timeout += time.Duration(fileSize/1000) * time.Minute
	if s.avg > 0 {
		timeout += time.Duration(s.avg*1.5) * time.Second
	}
	if timeout > ceiling {
		timeout = ceiling
	}
	return timeout
}
