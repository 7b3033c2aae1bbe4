// Package prompt classifies recognized screen text from the worker's
// terminal: is it a yes/no confirmation dialog, what file does it
// concern, and should it be approved automatically.
package prompt

import (
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Kind classifies a detected confirmation dialog.
type Kind string

const (
	KindFileCreation Kind = "file_creation"
	KindModification Kind = "modification"
	KindError        Kind = "error"
	KindUnrecognized Kind = "unrecognized"
)

// Decision is the approval policy outcome for a detected prompt.
type Decision int

const (
	// Unknown means the policy cannot decide and the caller must
	// escalate instead of guessing.
	Unknown Decision = iota
	Approve
	Reject
)

func (d Decision) String() string {
	switch d {
	case Approve:
		return "approve"
	case Reject:
		return "reject"
	}
	return "unknown"
}

// Info describes one detected confirmation dialog.
type Info struct {
	Kind       Kind
	Path       string
	RawText    string
	Confidence float64
	CapturedAt time.Time
}

var (
	questionCues = []*regexp.Regexp{
		regexp.MustCompile(`(?i)do you want to create`),
		regexp.MustCompile(`(?i)do you want to make this edit`),
		regexp.MustCompile(`(?i)would you like to (create|modify)`),
		regexp.MustCompile(`(?i)create new file`),
		regexp.MustCompile(`(?i)edit file`),
	}
	modificationCue = regexp.MustCompile(`(?i)(make this edit|modify|edit file|update.*file)`)
	errorCue        = regexp.MustCompile(`(?i)(permission denied|cannot create|error.*file)`)

	// A real dialog shows at least the first two numbered choices.
	optionOneCue = regexp.MustCompile(`(?m)^\s*(?:❯\s*)?1[.)]\s*\S`)
	optionTwoCue = regexp.MustCompile(`(?m)^\s*(?:❯\s*)?[23][.)]\s*\S`)

	pathCues = []*regexp.Regexp{
		regexp.MustCompile(`(?i)do you want to create ([^?\n]+)\?`),
		regexp.MustCompile(`(?i)do you want to make this edit to ([^?\n]+)\?`),
		regexp.MustCompile(`(?i)(?:create new file|edit file)\s*:?\s*([a-zA-Z0-9_/\\.-]+\.[a-zA-Z]+)`),
		regexp.MustCompile(`([a-zA-Z0-9_/\\.-]+\.[a-zA-Z0-9]+)`),
	}
)

// Classifier applies the approval policy for confirmation dialogs.
type Classifier struct {
	resultsDir  string
	mailboxName string
	sourceExts  map[string]bool
	sourceDirs  []string
}

// NewClassifier builds a classifier. sourceExts are the protected
// extensions (".zig", ".py" and so on); any prompt touching them is
// rejected no matter how it is phrased.
func NewClassifier(resultsDir, mailboxName string, sourceExts, sourceDirs []string) *Classifier {
	exts := make(map[string]bool, len(sourceExts))
	for _, e := range sourceExts {
		exts[strings.ToLower(e)] = true
	}
	return &Classifier{
		resultsDir:  filepath.ToSlash(resultsDir),
		mailboxName: mailboxName,
		sourceExts:  exts,
		sourceDirs:  sourceDirs,
	}
}

// Classify inspects recognized text for a confirmation dialog. It
// requires both a question cue and numbered options before reporting a
// prompt, so file contents that merely mention numerals do not match.
// Returns nil when no dialog is recognized.
func (c *Classifier) Classify(text string) *Info {
	if !optionOneCue.MatchString(text) || !optionTwoCue.MatchString(text) {
		return nil
	}

	question := false
	for _, cue := range questionCues {
		if cue.MatchString(text) {
			question = true
			break
		}
	}
	if !question && !strings.Contains(text, "?") {
		return nil
	}

	kind := KindFileCreation
	confidence := 0.8
	switch {
	case errorCue.MatchString(text):
		kind = KindError
	case modificationCue.MatchString(text):
		kind = KindModification
	case !question:
		kind = KindUnrecognized
		confidence = 0.5
	}

	path := ExtractPath(text)
	if path == "" {
		confidence -= 0.2
	}

	raw := text
	if len(raw) > 500 {
		raw = raw[:500]
	}

	return &Info{
		Kind:       kind,
		Path:       path,
		RawText:    raw,
		Confidence: confidence,
		CapturedAt: time.Now(),
	}
}

// ExtractPath pulls the file path a dialog concerns out of recognized
// text. Returns "" when no path-like token is present.
func ExtractPath(text string) string {
	for _, cue := range pathCues {
		if m := cue.FindStringSubmatch(text); m != nil {
			return strings.TrimSpace(m[1])
		}
	}
	return ""
}

// Decide applies the approval policy. Source files are rejected
// unconditionally; markdown under the results directory and the
// mailbox file itself are approved; everything else is Unknown and
// must be escalated by the caller.
func (c *Classifier) Decide(info *Info) Decision {
	if info == nil || info.Path == "" {
		return Unknown
	}

	path := filepath.ToSlash(info.Path)
	ext := strings.ToLower(filepath.Ext(path))

	if c.sourceExts[ext] {
		return Reject
	}
	for _, dir := range c.sourceDirs {
		if strings.HasPrefix(path, filepath.ToSlash(dir)+"/") {
			return Reject
		}
	}

	if filepath.Base(path) == c.mailboxName {
		return Approve
	}
	if ext == ".md" && (strings.Contains(path, c.resultsDir) || strings.HasPrefix(filepath.Base(path), "ANALYSIS_")) {
		return Approve
	}

	return Unknown
}
