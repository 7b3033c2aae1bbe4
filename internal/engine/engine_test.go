package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zmidi/autopilot/internal/config"
	"github.com/zmidi/autopilot/internal/contextmeter"
	pilotErrors "github.com/zmidi/autopilot/internal/errors"
	"github.com/zmidi/autopilot/internal/incident"
	"github.com/zmidi/autopilot/internal/mailbox"
	"github.com/zmidi/autopilot/internal/queue"
	"github.com/zmidi/autopilot/internal/report"
	"github.com/zmidi/autopilot/internal/safety"
	"github.com/zmidi/autopilot/internal/state"
	"github.com/zmidi/autopilot/internal/worker"
)

// memRecorder captures incidents without a database.
type memRecorder struct {
	mu        sync.Mutex
	incidents []incident.Incident
}

func (r *memRecorder) Append(_ context.Context, inc incident.Incident) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.incidents = append(r.incidents, inc)
	return nil
}

func (r *memRecorder) kinds() []incident.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []incident.Kind
	for _, inc := range r.incidents {
		out = append(out, inc.Kind)
	}
	return out
}

func (r *memRecorder) all() []incident.Incident {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]incident.Incident(nil), r.incidents...)
}

// rig is a fully wired engine over a temp directory with a scriptable
// in-memory worker.
type rig struct {
	dir      string
	cfg      *config.Config
	engine   *Engine
	conv     *worker.Fake
	recorder *memRecorder
	mbPath   string
	store    *state.Store
	loader   *queue.Loader
}

func newRig(t *testing.T, mutate func(*config.Config)) *rig {
	t.Helper()
	dir := t.TempDir()

	inputDir := filepath.Join(dir, "extracted_functions")
	require.NoError(t, os.MkdirAll(inputDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(inputDir, "0001_readEvent.txt"), []byte("fn readEvent() {}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(inputDir, "0002_noteName.txt"), []byte("fn noteName() {}"), 0o644))

	cfg := config.Default()
	cfg.ProjectRoot = dir
	cfg.Sync.PollInterval = 10 * time.Millisecond
	cfg.Worker.Timeout = 2 * time.Second
	cfg.Worker.TimeoutExtension = 500 * time.Millisecond
	cfg.Worker.TimeoutCeiling = 3 * time.Second
	cfg.Worker.HelpWait = 300 * time.Millisecond
	cfg.Worker.HandshakeWait = 300 * time.Millisecond
	cfg.Worker.RetryDelay = time.Millisecond
	cfg.Safety.SweepInterval = time.Hour
	if mutate != nil {
		mutate(cfg)
	}

	mbPath := cfg.SyncPath()
	ch, err := mailbox.NewChannel(mbPath, mailbox.Options{PollInterval: cfg.Sync.PollInterval})
	require.NoError(t, err)

	store, err := state.NewStore(cfg.StatePath(), cfg.BackupPath(), cfg.Monitoring.BackupCount)
	require.NoError(t, err)

	recorder := &memRecorder{}
	monitor := safety.NewMonitor(dir, cfg.Safety.ProtectedGlobs, cfg.Safety.ExcludeDirs, recorder)

	loader := queue.NewLoader(inputDir, filepath.Join(dir, "analysis_results"), "simplification", true)
	conv := &worker.Fake{}

	eng, err := New(Options{
		Config:     cfg,
		Channel:    ch,
		Store:      store,
		Converser:  conv,
		Monitor:    monitor,
		Incidents:  recorder,
		Loader:     loader,
		Processors: []Processor{NewAnalysisProcessor("simplification", cfg.Sync.File, 10)},
		Meter:      contextmeter.NewMeter(contextmeter.HeuristicEstimator{}, 0, cfg.Worker.ContextHighWater),
		Reporter: report.NewReporter(
			filepath.Join(dir, "ANALYSIS_PROGRESS.md"),
			filepath.Join(dir, "ACTION_REQUIRED.md"),
			filepath.Join(dir, "metrics.json"),
			filepath.Join(dir, "analysis_results"),
		),
		CaptureInterval: time.Hour, // watchdog idle unless a test drives it
	})
	require.NoError(t, err)

	return &rig{
		dir:      dir,
		cfg:      cfg,
		engine:   eng,
		conv:     conv,
		recorder: recorder,
		mbPath:   mbPath,
		store:    store,
		loader:   loader,
	}
}

// scriptWorker polls the mailbox and answers like a cooperative worker
// would. respond maps an observed kind to the raw content to write.
func (r *rig) scriptWorker(ctx context.Context, respond func(seen mailbox.Kind, newTaskCount int) string) {
	go func() {
		newTasks := 0
		var lastWrite string
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Millisecond):
			}
			data, err := os.ReadFile(r.mbPath)
			if err != nil {
				continue
			}
			content := string(data)
			if content == lastWrite {
				continue
			}
			s := mailbox.Parse(content)
			if s.Kind == mailbox.KindNewTask {
				newTasks++
			}
			reply := respond(s.Kind, newTasks)
			if reply == "" {
				continue
			}
			lastWrite = reply
			_ = os.WriteFile(r.mbPath, []byte(reply), 0o644)
		}
	}()
}

func cooperative(seen mailbox.Kind, _ int) string {
	switch seen {
	case mailbox.KindWaitingForReady:
		return "STATUS: READY\n"
	case mailbox.KindNewTask:
		return "STATUS: COMPLETE\n"
	}
	return ""
}

func TestRunCompletesAllTasks(t *testing.T) {
	r := newRig(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	r.scriptWorker(ctx, cooperative)

	require.NoError(t, r.engine.Run(ctx))

	st := r.engine.State()
	require.NotNil(t, st)
	assert.Len(t, st.CompletedKeys, 2)
	for _, task := range st.Tasks {
		assert.Equal(t, state.StatusComplete, task.Status)
	}

	// Worker got the announcement plus one notification per task.
	sent := r.conv.SentMessages()
	require.Len(t, sent, 4) // handshake + 2 tasks + completion
	assert.Contains(t, sent[0], "STATUS: READY")
	assert.Contains(t, sent[1], "0001_readEvent")
	assert.Contains(t, sent[2], "0002_noteName")
	assert.Contains(t, sent[3], "All tasks complete")

	// Final mailbox status is the completion broadcast.
	data, err := os.ReadFile(r.mbPath)
	require.NoError(t, err)
	assert.Equal(t, mailbox.KindAllComplete, mailbox.Parse(string(data)).Kind)

	// Checkpoint survives on disk.
	saved, err := r.store.Load()
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Len(t, saved.CompletedKeys, 2)

	// Rules file and progress artifact were written.
	assert.FileExists(t, filepath.Join(r.dir, RulesFileName))
	assert.FileExists(t, filepath.Join(r.dir, "ANALYSIS_PROGRESS.md"))
	assert.FileExists(t, filepath.Join(r.dir, "ACTION_REQUIRED.md"))
}

func TestRunPassMarksCompleted(t *testing.T) {
	r := newRig(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	r.scriptWorker(ctx, func(seen mailbox.Kind, _ int) string {
		switch seen {
		case mailbox.KindWaitingForReady:
			return "STATUS: READY\n"
		case mailbox.KindNewTask:
			return "STATUS: PASS\n"
		}
		return ""
	})

	require.NoError(t, r.engine.Run(ctx))

	st := r.engine.State()
	assert.Len(t, st.CompletedKeys, 2)
	for _, task := range st.Tasks {
		assert.Equal(t, state.StatusPass, task.Status)
	}
}

func TestRunRetriesErrorThenSucceeds(t *testing.T) {
	r := newRig(t, func(cfg *config.Config) {
		cfg.Worker.MaxRetries = 1
	})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// First dispatch errors, every later one completes.
	r.scriptWorker(ctx, func(seen mailbox.Kind, newTasks int) string {
		switch seen {
		case mailbox.KindWaitingForReady:
			return "STATUS: READY\n"
		case mailbox.KindNewTask:
			if newTasks == 1 {
				return "STATUS: ERROR\n\n## Task: transient failure\n"
			}
			return "STATUS: COMPLETE\n"
		}
		return ""
	})

	require.NoError(t, r.engine.Run(ctx))

	st := r.engine.State()
	assert.Len(t, st.CompletedKeys, 2)
	// Task one was announced twice.
	var announcements int
	for _, msg := range r.conv.SentMessages() {
		if strings.Contains(msg, "0001_readEvent") {
			announcements++
		}
	}
	assert.Equal(t, 2, announcements)
}

func TestRunExhaustsRetriesAndContinues(t *testing.T) {
	r := newRig(t, func(cfg *config.Config) {
		cfg.Worker.MaxRetries = 1
	})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// The first task always errors; the second completes.
	r.scriptWorker(ctx, func(seen mailbox.Kind, newTasks int) string {
		switch seen {
		case mailbox.KindWaitingForReady:
			return "STATUS: READY\n"
		case mailbox.KindNewTask:
			if newTasks <= 2 {
				return "STATUS: ERROR\n"
			}
			return "STATUS: COMPLETE\n"
		}
		return ""
	})

	require.NoError(t, r.engine.Run(ctx))

	st := r.engine.State()
	require.Len(t, st.Tasks, 2)
	assert.Equal(t, state.StatusError, st.Tasks[0].Status)
	assert.Contains(t, st.Tasks[0].Error, "failed after")
	assert.Equal(t, state.StatusComplete, st.Tasks[1].Status)
	assert.Len(t, st.CompletedKeys, 1)
}

func TestRunHelpNudgeRecovers(t *testing.T) {
	r := newRig(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	helped := false
	var mu sync.Mutex
	r.scriptWorker(ctx, func(seen mailbox.Kind, newTasks int) string {
		mu.Lock()
		defer mu.Unlock()
		switch seen {
		case mailbox.KindWaitingForReady:
			return "STATUS: READY\n"
		case mailbox.KindNewTask:
			if newTasks == 1 && !helped {
				helped = true
				return "STATUS: HELP\n"
			}
			return "STATUS: COMPLETE\n"
		}
		return ""
	})

	// After a HELP the engine nudges over the side channel; complete
	// the task once that nudge arrives.
	go func() {
		for ctx.Err() == nil {
			for _, msg := range r.conv.SentMessages() {
				if strings.Contains(msg, "Skip this task") {
					_ = os.WriteFile(r.mbPath, []byte("STATUS: PASS\n"), 0o644)
					return
				}
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	require.NoError(t, r.engine.Run(ctx))

	st := r.engine.State()
	assert.Equal(t, state.StatusPass, st.Tasks[0].Status)
	assert.Len(t, st.CompletedKeys, 2)
}

func TestRunEmergencyStopHalts(t *testing.T) {
	r := newRig(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	r.scriptWorker(ctx, func(seen mailbox.Kind, _ int) string {
		switch seen {
		case mailbox.KindWaitingForReady:
			return "STATUS: READY\n"
		case mailbox.KindNewTask:
			return "STATUS: EMERGENCY_STOP\n"
		}
		return ""
	})

	err := r.engine.Run(ctx)
	require.Error(t, err)
	var perr *pilotErrors.PilotError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, pilotErrors.ErrCodeEmergencyStop, perr.Code)

	assert.Contains(t, r.recorder.kinds(), incident.KindEmergencyStop)

	// State for the interrupted run is on disk.
	saved, err := r.store.Load()
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Empty(t, saved.CompletedKeys)
}

func TestRunTimeoutFailsTask(t *testing.T) {
	r := newRig(t, func(cfg *config.Config) {
		cfg.Worker.Timeout = 100 * time.Millisecond
		cfg.Worker.TimeoutExtension = 50 * time.Millisecond
		cfg.Worker.TimeoutCeiling = 200 * time.Millisecond
		cfg.Worker.HandshakeWait = 50 * time.Millisecond
	})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	// Worker never answers anything.

	require.NoError(t, r.engine.Run(ctx))

	st := r.engine.State()
	require.Len(t, st.Tasks, 2)
	assert.Equal(t, state.StatusTimeout, st.Tasks[0].Status)
	assert.Equal(t, state.StatusTimeout, st.Tasks[1].Status)
	assert.Empty(t, st.CompletedKeys)
}

func TestRunResumeSkipsCompletedTasks(t *testing.T) {
	r := newRig(t, nil)

	// Seed a checkpoint with the first task already completed.
	seed := state.NewPipelineState("seed-session")
	tasks, err := r.loader.Load(seed)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	seed.MarkCompleted(tasks[0].CompletionKey())
	require.NoError(t, r.store.Save(seed))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	r.scriptWorker(ctx, cooperative)

	require.NoError(t, r.engine.Run(ctx))

	st := r.engine.State()
	assert.Equal(t, "seed-session", st.SessionID)
	require.Len(t, st.Tasks, 1)
	assert.Contains(t, st.Tasks[0].ID, "0002_noteName")
	assert.Len(t, st.CompletedKeys, 2)
}

func TestRunStartAtOverride(t *testing.T) {
	r := newRig(t, nil)
	r.engine.startAt = "1"

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	r.scriptWorker(ctx, cooperative)

	require.NoError(t, r.engine.Run(ctx))

	st := r.engine.State()
	require.Len(t, st.Tasks, 2)
	assert.Equal(t, state.StatusPending, st.Tasks[0].Status)
	assert.Equal(t, state.StatusComplete, st.Tasks[1].Status)
	assert.Len(t, st.CompletedKeys, 1)
}

func TestRunCancellationPersistsState(t *testing.T) {
	r := newRig(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Worker answers the handshake, then cancel mid-first-task.
	r.scriptWorker(ctx, func(seen mailbox.Kind, _ int) string {
		switch seen {
		case mailbox.KindWaitingForReady:
			return "STATUS: READY\n"
		case mailbox.KindNewTask:
			cancel()
		}
		return ""
	})

	err := r.engine.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	saved, err := r.store.Load()
	require.NoError(t, err)
	require.NotNil(t, saved)
	// The in-flight task was not recorded as completed, so a resume
	// dispatches it again.
	assert.Empty(t, saved.CompletedKeys)
}

func TestResolveStart(t *testing.T) {
	r := newRig(t, nil)
	tasks := []*state.Task{
		{ID: "s0101-0000-alpha"},
		{ID: "s0101-0000-beta"},
		{ID: "s0101-0000-gamma"},
	}

	cases := []struct {
		name    string
		startAt string
		want    int
	}{
		{"empty", "", 0},
		{"index", "2", 2},
		{"index clamped", "9", 3},
		{"negative", "-1", 0},
		{"by id", "s0101-0000-beta", 1},
		{"unknown id", "nope", 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r.engine.startAt = tc.startAt
			assert.Equal(t, tc.want, r.engine.resolveStart(tasks))
		})
	}
}

func TestNewRejectsMissingCollaborators(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	var perr *pilotErrors.PilotError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, pilotErrors.ErrCodeConfigInvalid, perr.Code)
}

// startWatch runs the background watchdog against the rig's fake
// worker at a fast capture cadence.
func startWatch(t *testing.T, r *rig) {
	t.Helper()
	r.engine.captureInterval = 5 * time.Millisecond
	r.engine.st = state.NewPipelineState("watchdog-session")
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go r.engine.watch(ctx)
}

func TestWatchdogApprovesResultDialog(t *testing.T) {
	r := newRig(t, nil)
	r.conv.CaptureOut = []string{
		"Do you want to create analysis_results/0001_readEvent.md?\n ❯ 1. Yes\n   2. No\n",
	}
	startWatch(t, r)

	assert.Eventually(t, func() bool {
		return r.conv.ApproveCount() >= 1
	}, time.Second, 5*time.Millisecond)
	assert.NotContains(t, r.recorder.kinds(), incident.KindProtectedFileModified)
}

func TestWatchdogRecordsProtectedFileDialog(t *testing.T) {
	r := newRig(t, func(cfg *config.Config) {
		// Keep the stuck detector quiet so only the classifier acts.
		cfg.Prompt.StuckThresholds = []int{500, 600, 700}
	})
	r.conv.CaptureOut = []string{
		"Do you want to make this edit to src/parser.zig?\n ❯ 1. Yes\n   2. No\n",
	}
	startWatch(t, r)

	assert.Eventually(t, func() bool {
		for _, k := range r.recorder.kinds() {
			if k == incident.KindProtectedFileModified {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, r.conv.ApproveCount(), "protected prompts must never be answered")
}

func TestRunWithActiveWatchdogRecordsIncidents(t *testing.T) {
	// The watchdog records incidents on its own goroutine while the
	// run loop advances tasks; the incident task id must come from
	// the engine's guarded accessor, not a bare field read.
	r := newRig(t, func(cfg *config.Config) {
		// Identical captures every tick; keep the stuck detector out
		// of the picture.
		cfg.Prompt.StuckThresholds = []int{5000, 6000, 7000}
	})
	r.engine.captureInterval = time.Millisecond
	r.conv.CaptureOut = []string{
		"Do you want to make this edit to src/parser.zig?\n ❯ 1. Yes\n   2. No\n",
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	r.scriptWorker(ctx, cooperative)

	require.NoError(t, r.engine.Run(ctx))
	assert.Len(t, r.engine.State().CompletedKeys, 2)

	// The watchdog keeps polling on the run-level context, so the
	// refusal is recorded shortly even if no tick landed mid-task.
	assert.Eventually(t, func() bool {
		for _, k := range r.recorder.kinds() {
			if k == incident.KindProtectedFileModified {
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)

	for _, inc := range r.recorder.all() {
		assert.Equal(t, r.engine.State().SessionID, inc.SessionID)
	}
	assert.Zero(t, r.conv.ApproveCount(), "protected prompts must never be answered")
}

func TestWatchdogNudgesThenRecoversStuckWorker(t *testing.T) {
	r := newRig(t, func(cfg *config.Config) {
		cfg.Prompt.StuckThresholds = []int{2, 3}
	})
	r.conv.CaptureOut = []string{"Thinking about readEvent, no changes yet."}
	startWatch(t, r)

	assert.Eventually(t, func() bool {
		return r.conv.RecoverCount() >= 1
	}, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, r.conv.ApproveCount(), 1, "nudge precedes recovery")
	assert.Contains(t, r.recorder.kinds(), incident.KindWorkerRecovery)
}
