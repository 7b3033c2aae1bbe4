package prompt

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, Similarity("same text", "same text"))
	assert.Equal(t, 0.0, Similarity("", "anything"))
	assert.Equal(t, 0.0, Similarity("a", "b"))

	high := Similarity(
		"Waiting for response... elapsed 3m12s",
		"Waiting for response... elapsed 3m13s",
	)
	assert.Greater(t, high, 0.9)

	low := Similarity(
		"Waiting for response... elapsed 3m12s",
		"pub fn readEvent(reader: *Reader) !Event {",
	)
	assert.Less(t, low, 0.5)
}

func TestSimilarityCaseInsensitive(t *testing.T) {
	assert.Equal(t, 1.0, Similarity("HELLO WORLD", "hello world"))
}

func testDetector(thresholds []int) *Detector {
	return NewDetector(DetectorConfig{
		Thresholds:   thresholds,
		Similarity:   0.90,
		HistoryLimit: 20,
	})
}

func TestDetectorFiresProgressively(t *testing.T) {
	d := testDetector([]int{3, 5})

	var actions []EscalationAction
	for i := 0; i < 8; i++ {
		actions = append(actions, d.Observe("identical capture text"))
	}

	// 4th observation has 3 near-duplicates behind it, 6th has 5.
	assert.Equal(t, ActionNudge, actions[3])
	assert.Equal(t, ActionRecover, actions[5])

	// Each threshold fires once per episode.
	for i, a := range actions {
		if i != 3 && i != 5 {
			assert.Equal(t, ActionNone, a, "observation %d", i)
		}
	}
}

func TestDetectorIgnoresVariedCaptures(t *testing.T) {
	d := testDetector([]int{3, 5})

	captures := []string{
		"Reading extracted_functions/parser_readEvent.md",
		"pub fn readEvent(reader: *Reader) !Event {",
		"Analyzing control flow of the event loop",
		"Writing analysis_results/simplification/parser_readEvent.md",
		"STATUS: COMPLETE",
		"Starting next task in the queue",
		"const header = try reader.readStruct(Header);",
		"Bitwise operations look correct here",
		"Checking the variable-length quantity decoder",
		"All assertions hold for the sample corpus",
	}
	for _, c := range captures {
		assert.Equal(t, ActionNone, d.Observe(c), c)
	}
}

func TestDetectorClearStartsNewEpisode(t *testing.T) {
	d := testDetector([]int{3, 5})

	for i := 0; i < 4; i++ {
		d.Observe("stuck screen")
	}
	d.Clear()

	var actions []EscalationAction
	for i := 0; i < 6; i++ {
		actions = append(actions, d.Observe("stuck screen"))
	}
	// After Clear the thresholds are armed again.
	assert.Equal(t, ActionNudge, actions[3])
	assert.Equal(t, ActionRecover, actions[5])
}

func TestDetectorConcurrentObserveAndClear(t *testing.T) {
	// The watchdog goroutine observes captures while the run loop
	// clears completed episodes. Run both at once so the race
	// detector can catch any unguarded access to the episode state.
	d := testDetector([]int{3, 5})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			d.Observe("stuck screen")
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			d.Clear()
		}
	}()
	wg.Wait()

	d.Clear()
	var actions []EscalationAction
	for i := 0; i < 6; i++ {
		actions = append(actions, d.Observe("stuck screen"))
	}
	assert.Equal(t, ActionNudge, actions[3])
	assert.Equal(t, ActionRecover, actions[5])
}

func TestDetectorHistoryBounded(t *testing.T) {
	d := NewDetector(DetectorConfig{
		Thresholds:   []int{3, 5},
		Similarity:   0.90,
		HistoryLimit: 4,
	})

	for i := 0; i < 50; i++ {
		d.Observe("repeating capture")
	}
	assert.LessOrEqual(t, len(d.history), 4)
}
