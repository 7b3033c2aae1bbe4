// Package engine drives the task pipeline: it dispatches tasks to the
// external worker through the mailbox, waits for terminal statuses,
// retries bounded failures, and checkpoints after every terminal
// transition so a crash never repeats finished work.
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zmidi/autopilot/internal/config"
	"github.com/zmidi/autopilot/internal/contextmeter"
	"github.com/zmidi/autopilot/internal/errors"
	"github.com/zmidi/autopilot/internal/incident"
	"github.com/zmidi/autopilot/internal/log"
	"github.com/zmidi/autopilot/internal/mailbox"
	"github.com/zmidi/autopilot/internal/prompt"
	"github.com/zmidi/autopilot/internal/queue"
	"github.com/zmidi/autopilot/internal/report"
	"github.com/zmidi/autopilot/internal/retry"
	"github.com/zmidi/autopilot/internal/safety"
	"github.com/zmidi/autopilot/internal/state"
	"github.com/zmidi/autopilot/internal/worker"
)

// RulesFileName is the worker briefing created at session start.
const RulesFileName = "ANALYSIS_RULES.md"

// Options wires the engine's collaborators. Config, Channel, Store,
// Converser, Monitor, Incidents, Loader and at least one Processor are
// required; the rest default sensibly.
type Options struct {
	Config     *config.Config
	Channel    *mailbox.Channel
	Store      *state.Store
	Converser  worker.Converser
	Monitor    *safety.Monitor
	Incidents  safety.Recorder
	Loader     *queue.Loader
	Processors []Processor

	Meter      *contextmeter.Meter
	Reporter   *report.Reporter
	Classifier *prompt.Classifier
	Detector   *prompt.Detector
	Approver   *worker.AutoApprover

	// StartAt overrides the resume position: a task index or a task
	// id. Empty starts at the first pending task.
	StartAt string
	// CaptureInterval is the screen-capture polling cadence for the
	// watchdog. Defaults to 2s.
	CaptureInterval time.Duration
}

// Engine is the pipeline orchestrator.
type Engine struct {
	cfg        *config.Config
	ch         *mailbox.Channel
	store      *state.Store
	conv       worker.Converser
	monitor    *safety.Monitor
	incidents  safety.Recorder
	loader     *queue.Loader
	processors []Processor

	meter      *contextmeter.Meter
	reporter   *report.Reporter
	classifier *prompt.Classifier
	detector   *prompt.Detector
	approver   *worker.AutoApprover
	retries    *retry.TaskManager
	logger     *log.Logger

	startAt         string
	captureInterval time.Duration

	st *state.PipelineState
	// taskMu guards CurrentTaskID, which the run loop writes and the
	// watchdog and sweeper goroutines read when recording incidents.
	taskMu sync.Mutex
}

// New validates the options and builds the engine.
func New(opts Options) (*Engine, error) {
	switch {
	case opts.Config == nil:
		return nil, errors.New(errors.ErrCodeConfigInvalid, "engine requires a config")
	case opts.Channel == nil:
		return nil, errors.New(errors.ErrCodeConfigInvalid, "engine requires a mailbox channel")
	case opts.Store == nil:
		return nil, errors.New(errors.ErrCodeConfigInvalid, "engine requires a state store")
	case opts.Converser == nil:
		return nil, errors.New(errors.ErrCodeConfigInvalid, "engine requires a worker converser")
	case opts.Monitor == nil:
		return nil, errors.New(errors.ErrCodeConfigInvalid, "engine requires a safety monitor")
	case opts.Incidents == nil:
		return nil, errors.New(errors.ErrCodeConfigInvalid, "engine requires an incident recorder")
	case opts.Loader == nil:
		return nil, errors.New(errors.ErrCodeConfigInvalid, "engine requires a task loader")
	case len(opts.Processors) == 0:
		return nil, errors.New(errors.ErrCodeConfigInvalid, "engine requires at least one processor")
	}

	if opts.Meter == nil {
		opts.Meter = contextmeter.NewMeter(contextmeter.NewEstimator(), 0, opts.Config.Worker.ContextHighWater)
	}
	if opts.Reporter == nil {
		mon := opts.Config.Monitoring
		opts.Reporter = report.NewReporter(mon.ProgressFile, mon.ActionFile, mon.MetricsFile, opts.Config.Analysis.ResultsDir)
	}
	if opts.Classifier == nil {
		opts.Classifier = prompt.NewClassifier(
			opts.Config.Analysis.OutputDir,
			opts.Config.Sync.File,
			opts.Config.Prompt.SourceExts,
			opts.Config.Prompt.SourceDirs,
		)
	}
	if opts.Detector == nil {
		opts.Detector = prompt.NewDetector(prompt.DetectorConfig{
			Thresholds:   opts.Config.Prompt.StuckThresholds,
			Similarity:   opts.Config.Prompt.StuckSimilarity,
			HistoryLimit: opts.Config.Prompt.HistoryLimit,
		})
	}
	if opts.CaptureInterval <= 0 {
		opts.CaptureInterval = 2 * time.Second
	}

	return &Engine{
		cfg:             opts.Config,
		ch:              opts.Channel,
		store:           opts.Store,
		conv:            opts.Converser,
		monitor:         opts.Monitor,
		incidents:       opts.Incidents,
		loader:          opts.Loader,
		processors:      opts.Processors,
		meter:           opts.Meter,
		reporter:        opts.Reporter,
		classifier:      opts.Classifier,
		detector:        opts.Detector,
		approver:        opts.Approver,
		retries:         retry.NewTaskManager(opts.Config.Worker.MaxRetries),
		logger:          log.DefaultLogger().With("component", "engine"),
		startAt:         opts.StartAt,
		captureInterval: opts.CaptureInterval,
	}, nil
}

// State returns the engine's pipeline state. Nil before Run.
func (e *Engine) State() *state.PipelineState {
	return e.st
}

// Run executes the pipeline until the queue is exhausted, the context
// is cancelled, or the worker posts an emergency stop. State is
// checkpointed after every terminal task transition and once more on
// the way out, so the in-flight task is re-dispatched on resume.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.initState(); err != nil {
		return err
	}
	if err := e.ensureRules(); err != nil {
		return err
	}

	tasks, err := e.loader.Load(e.st)
	if err != nil {
		return err
	}
	e.st.Tasks = tasks
	e.reporter.SetTotal(len(tasks))
	e.logger.Info("session ready",
		"session_id", e.st.SessionID,
		"tasks", len(tasks),
		"completed_keys", len(e.st.CompletedKeys))

	if len(tasks) == 0 {
		e.logger.Info("nothing to do, all tasks already completed")
		return e.finish(ctx)
	}

	e.handshake(ctx)

	go e.watch(ctx)
	if e.approver != nil && !e.cfg.Worker.ManualFocus {
		go e.approver.Run(ctx)
	}
	go e.monitor.RunSweeper(ctx, e.cfg.Safety.SweepInterval, e.st.SessionID, func(files []string) {
		_, _ = e.monitor.HandleViolation(ctx, e.st.SessionID, e.currentTask(), "background_sweep", files)
	})

	for _, t := range tasks[e.resolveStart(tasks):] {
		if ctx.Err() != nil {
			e.checkpoint()
			return ctx.Err()
		}

		e.precheck(ctx, t)
		e.maybeResetContext(ctx)

		e.setCurrentTask(t.ID)
		now := time.Now()
		t.StartTime = &now
		e.reporter.StartTask(t.ID)

		runErr := e.runTask(ctx, t)

		end := time.Now()
		t.EndTime = &end
		e.setCurrentTask("")
		e.record(t)
		e.checkpoint()

		if runErr != nil {
			return runErr
		}
	}

	return e.finish(ctx)
}

// initState loads the checkpoint or starts a fresh session.
func (e *Engine) initState() error {
	st, err := e.store.Load()
	if err != nil {
		return err
	}
	if st != nil {
		e.st = st
		// ContextUsage carries the meter's token count across restarts.
		e.meter.Restore(st.ContextUsage, st.MessagesSent)
		e.logger.Info("resumed from checkpoint",
			"session_id", st.SessionID,
			"completed", len(st.CompletedKeys))
	} else {
		e.st = state.NewPipelineState(uuid.NewString())
	}

	if len(e.st.SourceFileHashes) > 0 {
		e.monitor.RestoreBaseline(e.st.SourceFileHashes)
		return nil
	}
	n, err := e.monitor.Baseline()
	if err != nil {
		return err
	}
	e.st.SourceFileHashes = e.monitor.BaselineHashes()
	e.logger.Info("protected files baselined", "count", n)
	return nil
}

// ensureRules writes the worker briefing file once per project.
func (e *Engine) ensureRules() error {
	path := filepath.Join(e.cfg.ProjectRoot, RulesFileName)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	content := fmt.Sprintf(`# Analysis Rules

You are working with an autonomous pipeline. Communication happens
through %s in this directory.

## Critical rules

1. Never modify source code. Your output is .md documentation only.
2. Only create files under %s/.
3. Always accept prompts to create .md files. Never accept prompts to
   modify source files.
4. Update %s with your status as you work: WORKING while
   busy, COMPLETE when findings were documented, PASS when the function
   needs no changes, ERROR when blocked, HELP when instructions are
   unclear.
5. One task at a time. Wait for the next NEW_TASK before moving on.
`, e.cfg.Sync.File, e.cfg.Analysis.OutputDir, e.cfg.Sync.File)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return errors.Wrap(errors.ErrCodeFileWriteFailed, "write rules file", err)
	}
	e.logger.Info("rules file created", "path", path)
	return nil
}

// handshake announces the session and waits briefly for READY. A
// worker that answers with anything else, or not at all, does not stop
// the run; the first task dispatch repeats all instructions anyway.
func (e *Engine) handshake(ctx context.Context) {
	prog := e.st.Progress()
	e.send(ctx, fmt.Sprintf(
		"Autonomous function simplifier starting.\n\n"+
			"Functions: %d total (%d remaining)\n"+
			"Communication: %s\n\n"+
			"Read %s and update %s with \"STATUS: READY\" to begin.",
		prog.Total, prog.Pending, e.cfg.Sync.File, RulesFileName, e.cfg.Sync.File))

	if err := e.ch.WriteStatus(mailbox.Status{Kind: mailbox.KindWaitingForReady}); err != nil {
		e.logger.Warn("could not post handshake status", "error", err)
	}
	if err := e.ch.WaitFor(ctx, mailbox.KindReady, e.cfg.Worker.HandshakeWait); err != nil {
		e.logger.Warn("handshake did not complete, continuing anyway", "error", err)
		return
	}
	e.logger.Info("worker ready, handshake complete")
}

// runTask drives one task to a terminal status. The returned error is
// non-nil only for run-ending conditions (cancellation, emergency
// stop); ordinary task failures land in t.Status and t.Error.
func (e *Engine) runTask(ctx context.Context, t *state.Task) error {
	p := e.processorFor(t)
	if p == nil {
		t.Status = state.StatusError
		t.Error = fmt.Sprintf("no processor for phase %q", t.Phase)
		e.logger.LogError(errors.New(errors.ErrCodeTaskNoProcessor, t.Error))
		return nil
	}

dispatch:
	for {
		if err := e.dispatch(ctx, p, t); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			t.Status = state.StatusError
			t.Error = err.Error()
			return nil
		}

		s, err := e.await(ctx, t)
		if err != nil {
			return err
		}

		for {
			switch s.Kind {
			case mailbox.KindComplete, mailbox.KindPass:
				return e.complete(ctx, t, s.Kind)

			case mailbox.KindEmergencyStop:
				return e.emergencyStop(ctx, t)

			case mailbox.KindHelp:
				// One nudge, one short re-wait. A worker that
				// stays stuck after that fails the task.
				e.logger.Warn("worker requested help", "task_id", t.ID)
				if err := e.ch.Clear(); err != nil {
					e.logger.Warn("could not reset mailbox", "error", err)
				}
				e.send(ctx, "Skip this task if it is not applicable. "+
					"Update STATUS: PASS with a short note and move on.")
				next, werr := e.ch.WaitForTerminal(ctx, e.cfg.Worker.HelpWait)
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if werr != nil || next.Kind == mailbox.KindHelp {
					t.Status = state.StatusError
					t.Error = "worker requested help and did not recover"
					return nil
				}
				s = next
				continue

			case mailbox.KindTimeout:
				t.Status = state.StatusTimeout
				t.Error = fmt.Sprintf("no terminal status within %s", e.cfg.Worker.TimeoutCeiling)
				e.logger.Warn("task timed out", "task_id", t.ID)
				return nil

			default: // ERROR and anything unexpected
				if e.retries.ShouldRetry(t.ID) {
					e.retries.RecordAttempt(t.ID, string(s.Kind))
					e.logger.Warn("task failed, retrying",
						"task_id", t.ID,
						"status", s.Kind,
						"attempt", e.retries.Count(t.ID))
					if !sleep(ctx, e.cfg.Worker.RetryDelay) {
						return ctx.Err()
					}
					if err := e.ch.Clear(); err != nil {
						e.logger.Warn("could not reset mailbox", "error", err)
					}
					continue dispatch
				}
				t.Status = state.StatusError
				t.Error = errors.NewRetryExhaustedError(t.ID, e.retries.Count(t.ID)+1).Message
				return nil
			}
		}
	}
}

// dispatch writes the task descriptor to the mailbox and notifies the
// worker over the side channel.
func (e *Engine) dispatch(ctx context.Context, p Processor, t *state.Task) error {
	desc := p.Descriptor(t, e.st)
	if err := e.ch.WriteRaw(desc); err != nil {
		return err
	}
	msg := p.Message(t)
	if err := e.send(ctx, msg); err != nil {
		return err
	}
	e.meter.Record(desc)
	t.Status = state.StatusNewTask
	e.logger.Info("task dispatched", "task_id", t.ID, "file", t.FilePath)
	return nil
}

// await blocks for a terminal status. The initial wait is sized to the
// source file; on expiry the wait is extended in bounded increments up
// to the configured ceiling before giving up with a TIMEOUT status.
func (e *Engine) await(ctx context.Context, t *state.Task) (mailbox.Status, error) {
	var size int64
	if fi, err := os.Stat(t.FilePath); err == nil {
		size = fi.Size()
	}
	wait := e.reporter.DynamicTimeout(size, e.cfg.Worker.Timeout, e.cfg.Worker.TimeoutCeiling)
	waited := wait

	s, err := e.ch.WaitForTerminal(ctx, wait)
	for err != nil {
		if ctx.Err() != nil {
			return s, ctx.Err()
		}
		ext := e.cfg.Worker.TimeoutExtension
		if remaining := e.cfg.Worker.TimeoutCeiling - waited; ext > remaining {
			ext = remaining
		}
		if ext <= 0 {
			return mailbox.Status{Kind: mailbox.KindTimeout}, nil
		}
		e.logger.Warn("extending wait for worker",
			"task_id", t.ID, "extension", ext, "waited", waited)
		waited += ext
		s, err = e.ch.WaitForTerminal(ctx, ext)
	}
	return s, nil
}

// complete finalizes a successful task. The safety check runs before
// the completion key is recorded so a task that mutated protected
// files is never marked done on top of the mutation.
func (e *Engine) complete(ctx context.Context, t *state.Task, kind mailbox.Kind) error {
	e.postcheck(ctx, t)

	if kind == mailbox.KindPass {
		t.Status = state.StatusPass
	} else {
		t.Status = state.StatusComplete
	}
	e.st.MarkCompleted(t.CompletionKey())
	e.retries.Reset(t.ID)
	e.detector.Clear()
	e.logger.Info("task finished", "task_id", t.ID, "status", t.Status)
	return nil
}

// emergencyStop persists everything and halts the run.
func (e *Engine) emergencyStop(ctx context.Context, t *state.Task) error {
	t.Status = state.StatusError
	t.Error = "emergency stop requested by worker"
	if err := e.incidents.Append(ctx, incident.Incident{
		SessionID: e.st.SessionID,
		TaskID:    t.ID,
		Kind:      incident.KindEmergencyStop,
		Phase:     t.Phase,
		Detail:    "worker posted EMERGENCY_STOP",
	}); err != nil {
		e.logger.Error("failed to record emergency stop", "error", err)
	}
	e.checkpoint()
	return errors.New(errors.ErrCodeEmergencyStop, "emergency stop requested by worker").
		WithSuggestion("Inspect the worker session before resuming").
		WithSuggestion("Resume with 'autopilot run --resume' once resolved")
}

// setCurrentTask records the in-flight task id.
func (e *Engine) setCurrentTask(id string) {
	e.taskMu.Lock()
	e.st.CurrentTaskID = id
	e.taskMu.Unlock()
}

// currentTask reads the in-flight task id, safe off the run loop.
func (e *Engine) currentTask() string {
	e.taskMu.Lock()
	defer e.taskMu.Unlock()
	return e.st.CurrentTaskID
}

// precheck handles protected-file mutations found before dispatch.
func (e *Engine) precheck(ctx context.Context, t *state.Task) {
	files, err := e.monitor.Check()
	if err != nil {
		e.logger.Warn("safety check failed", "error", err)
		return
	}
	if len(files) > 0 {
		_, _ = e.monitor.HandleViolation(ctx, e.st.SessionID, t.ID, "before_task", files)
	}
}

// postcheck handles mutations that happened while the task ran.
func (e *Engine) postcheck(ctx context.Context, t *state.Task) {
	files, err := e.monitor.Check()
	if err != nil {
		e.logger.Warn("safety check failed", "error", err)
		return
	}
	if len(files) > 0 {
		_, _ = e.monitor.HandleViolation(ctx, e.st.SessionID, t.ID, "during_task", files)
	}
}

// maybeResetContext clears the worker's context between tasks once the
// meter crosses the high-water mark. Never mid-task.
func (e *Engine) maybeResetContext(ctx context.Context) {
	if !e.cfg.Worker.AutoClear || !e.meter.NeedsReset() {
		return
	}
	e.logger.Info("context high-water mark reached, clearing",
		"usage_percent", e.meter.UsagePercent(),
		"messages", e.meter.Messages())
	if err := e.conv.SendCommand(ctx, "/clear"); err != nil {
		e.logger.Warn("context clear failed", "error", err)
		return
	}
	e.meter.Reset()
}

// send delivers a message over the side channel, pausing the
// auto-approver so its keystroke cannot interleave with the text.
func (e *Engine) send(ctx context.Context, text string) error {
	if e.approver != nil {
		if err := e.approver.Pause(); err == nil {
			defer func() { _ = e.approver.Resume() }()
		}
	}
	if err := e.conv.Send(ctx, text); err != nil {
		e.logger.Warn("send failed", "error", err)
		return err
	}
	e.meter.Record(text)
	e.st.MessagesSent++
	return nil
}

// watch polls screen captures for confirmation dialogs and stuck
// loops. Runs until the context ends; capture failures are skipped
// quietly since not every deployment configures a capture command.
func (e *Engine) watch(ctx context.Context) {
	ticker := time.NewTicker(e.captureInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		text, err := e.conv.Capture(ctx)
		if err != nil || text == "" {
			continue
		}

		if info := e.classifier.Classify(text); info != nil {
			switch e.classifier.Decide(info) {
			case prompt.Approve:
				e.logger.Info("approving confirmation prompt", "path", info.Path)
				if err := e.conv.SendApprove(ctx); err != nil {
					e.logger.Warn("approve failed", "error", err)
				}
			case prompt.Reject:
				e.logger.Warn("refusing confirmation prompt for protected path",
					"path", info.Path, "kind", info.Kind)
				if err := e.incidents.Append(ctx, incident.Incident{
					SessionID: e.st.SessionID,
					TaskID:    e.currentTask(),
					Kind:      incident.KindProtectedFileModified,
					Phase:     "watchdog",
					Files:     []string{info.Path},
					Detail:    "worker asked to modify a protected path, prompt left unanswered",
				}); err != nil {
					e.logger.Error("failed to record incident", "error", err)
				}
			default:
				e.logger.Warn("unrecognized confirmation prompt, leaving it alone",
					"path", info.Path)
			}
		}

		switch e.detector.Observe(text) {
		case prompt.ActionNudge:
			e.logger.Warn("worker looks stuck, sending approve keystroke")
			if err := e.conv.SendApprove(ctx); err != nil {
				e.logger.Warn("nudge failed", "error", err)
			}
		case prompt.ActionRecover:
			e.logger.Error("worker stuck past recovery threshold, restarting session")
			if err := e.conv.Recover(ctx); err != nil {
				e.logger.Error("worker recovery failed", "error", err)
			}
			if err := e.incidents.Append(ctx, incident.Incident{
				SessionID: e.st.SessionID,
				TaskID:    e.currentTask(),
				Kind:      incident.KindWorkerRecovery,
				Phase:     "watchdog",
				Detail:    "screen output stopped changing, session restarted",
			}); err != nil {
				e.logger.Error("failed to record recovery incident", "error", err)
			}
			e.detector.Clear()
		}
	}
}

// record tracks the finished task in the progress artifacts.
func (e *Engine) record(t *state.Task) {
	m := report.TaskMetric{
		TaskID:        t.ID,
		FilePath:      t.FilePath,
		Status:        string(t.Status),
		Duration:      t.Duration().Seconds(),
		EndTime:       time.Now(),
		Retries:       e.retries.Count(t.ID),
		Error:         t.Error,
		FindingsFound: t.Status == state.StatusComplete,
	}
	if err := e.reporter.CompleteTask(m); err != nil {
		e.logger.Warn("progress artifact update failed", "error", err)
	}
}

// checkpoint writes the current state through to disk. Failures are
// logged, not fatal; the next terminal transition retries.
func (e *Engine) checkpoint() {
	e.st.ContextUsage = e.meter.Used()
	e.st.MessagesSent = e.meter.Messages()
	e.st.SourceFileHashes = e.monitor.BaselineHashes()
	if err := e.store.Save(e.st); err != nil {
		e.logger.LogError(err)
	}
}

// finish broadcasts completion and writes the final artifacts.
func (e *Engine) finish(ctx context.Context) error {
	prog := e.st.Progress()
	if err := e.ch.WriteStatus(mailbox.Status{
		Kind: mailbox.KindAllComplete,
		Metadata: map[string]string{
			"Completed": fmt.Sprintf("%d/%d", prog.Completed, prog.Total),
		},
	}); err != nil {
		e.logger.Warn("could not post completion status", "error", err)
	}
	e.send(ctx, fmt.Sprintf(
		"All tasks complete. %d of %d finished. Thanks for the session!",
		prog.Completed, prog.Total))

	if err := e.reporter.WriteActionList(); err != nil {
		e.logger.Warn("action list write failed", "error", err)
	}
	if err := e.reporter.SaveMetrics(); err != nil {
		e.logger.Warn("metrics write failed", "error", err)
	}
	e.checkpoint()
	e.logger.Info("session complete", "completed", prog.Completed, "total", prog.Total)
	return nil
}

// resolveStart applies the start-at override: a numeric index or a
// task id. Unresolvable overrides start from the beginning.
func (e *Engine) resolveStart(tasks []*state.Task) int {
	if e.startAt == "" {
		return 0
	}
	var idx int
	if _, err := fmt.Sscanf(e.startAt, "%d", &idx); err == nil && fmt.Sprintf("%d", idx) == e.startAt {
		if idx < 0 {
			return 0
		}
		if idx > len(tasks) {
			return len(tasks)
		}
		return idx
	}
	for i, t := range tasks {
		if t.ID == e.startAt {
			return i
		}
	}
	e.logger.Warn("start-at override matched no task, starting from the beginning", "start_at", e.startAt)
	return 0
}

// processorFor returns the first processor accepting the task.
func (e *Engine) processorFor(t *state.Task) Processor {
	for _, p := range e.processors {
		if p.CanProcess(t) {
			return p
		}
	}
	return nil
}

// sleep waits for d or until the context ends. Reports whether the
// full duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
