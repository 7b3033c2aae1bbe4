// Package mailbox implements the file-based handshake channel shared
// with the worker. Both sides communicate by rewriting a single
// markdown status file, so every read must tolerate partial writes and
// every write must be atomic.
package mailbox

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Kind is the normalized status token at the top of the mailbox file.
type Kind string

const (
	KindReady          Kind = "READY"
	KindWaitingForReady Kind = "WAITING_FOR_READY"
	KindNewTask        Kind = "NEW_TASK"
	KindWorking        Kind = "WORKING"
	KindComplete       Kind = "COMPLETE"
	KindPass           Kind = "PASS"
	KindError          Kind = "ERROR"
	KindHelp           Kind = "HELP"
	KindTimeout        Kind = "TIMEOUT"
	KindEmergencyStop  Kind = "EMERGENCY_STOP"
	KindAllComplete    Kind = "ALL_COMPLETE"
	KindUnknown        Kind = "UNKNOWN"
)

// Terminal reports whether the worker is done with the current task,
// one way or another.
func (k Kind) Terminal() bool {
	switch k {
	case KindComplete, KindPass, KindError, KindHelp, KindEmergencyStop, KindAllComplete:
		return true
	}
	return false
}

// Success reports whether the kind marks the current task as finished
// successfully.
func (k Kind) Success() bool {
	return k == KindComplete || k == KindPass
}

// Status is one decoded mailbox message.
type Status struct {
	Kind      Kind
	Task      string
	Metadata  map[string]string
	Timestamp time.Time
}

var (
	statusRe = regexp.MustCompile(`(?mi)^\s*status\s*:\s*([A-Za-z_]+)`)
	taskRe   = regexp.MustCompile(`(?mi)^\s*##\s*task\s*:\s*(.+)$`)
)

// Parse decodes mailbox file content. The status token is the first
// alphabetic word after "STATUS:", case-insensitive, so "error: oom"
// normalizes to ERROR. Anything unrecognizable yields KindUnknown
// rather than an error; the caller retries partial reads.
func Parse(content string) Status {
	s := Status{Kind: KindUnknown}

	if m := statusRe.FindStringSubmatch(content); m != nil {
		s.Kind = normalizeKind(strings.ToUpper(m[1]))
	}
	if m := taskRe.FindStringSubmatch(content); m != nil {
		s.Task = strings.TrimSpace(m[1])
	}

	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "**") {
			continue
		}
		key, value, ok := strings.Cut(line, "**:")
		if !ok {
			continue
		}
		if s.Metadata == nil {
			s.Metadata = make(map[string]string)
		}
		s.Metadata[strings.Trim(key, "* ")] = strings.TrimSpace(value)
	}

	return s
}

func normalizeKind(token string) Kind {
	switch Kind(token) {
	case KindReady, KindWaitingForReady, KindNewTask, KindWorking,
		KindComplete, KindPass, KindError, KindHelp, KindTimeout,
		KindEmergencyStop, KindAllComplete:
		return Kind(token)
	}
	return KindUnknown
}

// Render encodes the status as mailbox markdown. Metadata keys are
// emitted in sorted order so successive writes of the same status are
// byte-identical.
func (s Status) Render() string {
	var b strings.Builder
	b.WriteString("# SYNC STATUS\n\nSTATUS: ")
	b.WriteString(string(s.Kind))
	b.WriteString("\n")

	if s.Task != "" {
		fmt.Fprintf(&b, "\n## Task: %s\n", s.Task)
	}

	if len(s.Metadata) > 0 {
		b.WriteString("\n")
		keys := make([]string, 0, len(s.Metadata))
		for k := range s.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "**%s**: %s\n", k, s.Metadata[k])
		}
	}

	if !s.Timestamp.IsZero() {
		fmt.Fprintf(&b, "\nLast updated: %s\n", s.Timestamp.Format("2006-01-02 15:04:05"))
	}

	return b.String()
}
