package prompt

import (
	"strings"
	"sync"

	"github.com/zmidi/autopilot/internal/log"
)

// EscalationAction is what the caller should do when the capture stream
// looks stuck.
type EscalationAction int

const (
	// ActionNone means the stream looks healthy.
	ActionNone EscalationAction = iota
	// ActionNudge asks for a single approve keystroke, covering a
	// prompt the main loop's own monitoring missed.
	ActionNudge
	// ActionRecover asks for a full worker restart.
	ActionRecover
)

// DetectorConfig tunes stuck-loop detection.
type DetectorConfig struct {
	// Thresholds are near-duplicate counts, in increasing order, at
	// which escalation fires. All but the last trigger a nudge; the
	// last triggers recovery.
	Thresholds []int
	// Similarity is the ratio above which two captures count as
	// near-duplicates.
	Similarity float64
	// HistoryLimit bounds the rolling capture history.
	HistoryLimit int
}

// DefaultDetectorConfig matches the production tuning: nudge at 50 and
// 75 near-duplicates, recover at 99, over the last 100 captures.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		Thresholds:   []int{50, 75, 99},
		Similarity:   0.90,
		HistoryLimit: 100,
	}
}

// Detector watches the stream of screen captures for a stuck worker.
// When most recent captures are near-duplicates of each other the UI
// is not moving, usually because a prompt is waiting for input that
// never arrives. Observe and Clear are called from different
// goroutines (the capture watchdog and the run loop), so the episode
// state is guarded by a mutex.
type Detector struct {
	cfg    DetectorConfig
	logger *log.Logger

	mu      sync.Mutex
	history []string
	fired   []bool
}

// NewDetector creates a detector. A zero config gets defaults.
func NewDetector(cfg DetectorConfig) *Detector {
	if len(cfg.Thresholds) == 0 {
		cfg = DefaultDetectorConfig()
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 100
	}
	if cfg.Similarity <= 0 {
		cfg.Similarity = 0.90
	}
	return &Detector{
		cfg:    cfg,
		logger: log.DefaultLogger().With("component", "stuck-detector"),
		fired:  make([]bool, len(cfg.Thresholds)),
	}
}

// Observe records one capture and reports whether escalation is due.
// Each threshold fires at most once per stuck episode; Clear starts a
// new episode.
func (d *Detector) Observe(text string) EscalationAction {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.history = append(d.history, text)
	if len(d.history) > d.cfg.HistoryLimit {
		d.history = d.history[len(d.history)-d.cfg.HistoryLimit:]
	}

	duplicates := 0
	for _, prev := range d.history[:len(d.history)-1] {
		if Similarity(prev, text) >= d.cfg.Similarity {
			duplicates++
		}
	}

	for i := len(d.cfg.Thresholds) - 1; i >= 0; i-- {
		if duplicates >= d.cfg.Thresholds[i] && !d.fired[i] {
			d.fired[i] = true
			if i == len(d.cfg.Thresholds)-1 {
				d.logger.Warn("capture stream stuck, requesting worker recovery",
					"near_duplicates", duplicates)
				return ActionRecover
			}
			d.logger.Warn("capture stream repeating, requesting approve nudge",
				"near_duplicates", duplicates, "threshold", d.cfg.Thresholds[i])
			return ActionNudge
		}
	}
	return ActionNone
}

// Clear resets the history and threshold latches. Called after any
// successful classification or completed recovery so a past episode
// cannot retrigger.
func (d *Detector) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.history = d.history[:0]
	for i := range d.fired {
		d.fired[i] = false
	}
}

// Similarity returns a ratio in [0, 1] of how alike two texts are,
// using character-bigram overlap. Cheap enough to run against the full
// capture history on every observation.
func Similarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	if len(a) < 2 || len(b) < 2 {
		return 0.0
	}

	counts := bigramCounts(a)
	overlap := 0
	bTotal := 0
	runes := []rune(strings.ToLower(b))
	for i := 0; i+1 < len(runes); i++ {
		bTotal++
		key := string(runes[i : i+2])
		if counts[key] > 0 {
			counts[key]--
			overlap++
		}
	}

	aTotal := 0
	for _, c := range bigramCounts(a) {
		aTotal += c
	}
	total := aTotal + bTotal
	if total == 0 {
		return 0.0
	}
	return 2.0 * float64(overlap) / float64(total)
}

func bigramCounts(s string) map[string]int {
	counts := make(map[string]int)
	runes := []rune(strings.ToLower(s))
	for i := 0; i+1 < len(runes); i++ {
		counts[string(runes[i:i+2])]++
	}
	return counts
}
