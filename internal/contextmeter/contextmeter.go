// Package contextmeter tracks an estimate of how much of the worker's
// bounded conversation context has been consumed, so the engine can
// reset the conversation before quality degrades.
package contextmeter

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/zmidi/autopilot/internal/log"
)

// Estimator converts sent text into a token estimate.
type Estimator interface {
	Tokens(text string) int
}

// TiktokenEstimator counts tokens with the cl100k_base encoding.
type TiktokenEstimator struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenEstimator builds the encoder. Fails only if the encoding
// tables cannot be loaded; callers should fall back to the heuristic.
func NewTiktokenEstimator() (*TiktokenEstimator, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, err
	}
	return &TiktokenEstimator{enc: enc}, nil
}

// Tokens returns the number of tokens in text.
func (e *TiktokenEstimator) Tokens(text string) int {
	return len(e.enc.Encode(text, nil, nil))
}

// HeuristicEstimator assumes roughly four characters per token.
type HeuristicEstimator struct{}

// Tokens estimates with the characters-per-token rule of thumb.
func (HeuristicEstimator) Tokens(text string) int {
	return len(text) / 4
}

// NewEstimator returns a tiktoken-backed estimator, or the heuristic
// one when the encoding tables are unavailable (offline first run).
func NewEstimator() Estimator {
	est, err := NewTiktokenEstimator()
	if err != nil {
		log.DefaultLogger().Warn("token encoder unavailable, using heuristic estimate", "error", err)
		return HeuristicEstimator{}
	}
	return est
}

// Meter accumulates estimated context usage against a budget.
type Meter struct {
	estimator Estimator
	budget    int
	highWater int // percent

	mu       sync.Mutex
	used     int
	messages int
}

// NewMeter creates a meter. budget is the worker's usable context in
// tokens; highWaterPercent is the usage percentage at which NeedsReset
// starts returning true.
func NewMeter(estimator Estimator, budget, highWaterPercent int) *Meter {
	if budget <= 0 {
		budget = 160_000
	}
	if highWaterPercent <= 0 || highWaterPercent > 100 {
		highWaterPercent = 95
	}
	return &Meter{
		estimator: estimator,
		budget:    budget,
		highWater: highWaterPercent,
	}
}

// Record adds one sent message to the running estimate.
func (m *Meter) Record(text string) {
	tokens := m.estimator.Tokens(text)
	m.mu.Lock()
	m.used += tokens
	m.messages++
	m.mu.Unlock()
}

// UsagePercent returns the estimated fraction of the budget consumed,
// as a percentage.
func (m *Meter) UsagePercent() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used * 100 / m.budget
}

// Used returns the raw token estimate.
func (m *Meter) Used() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used
}

// Messages returns how many messages have been recorded since the last
// reset.
func (m *Meter) Messages() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.messages
}

// NeedsReset reports whether usage has crossed the high-water mark.
func (m *Meter) NeedsReset() bool {
	return m.UsagePercent() >= m.highWater
}

// Reset zeroes the estimate, after the worker's conversation has been
// cleared.
func (m *Meter) Reset() {
	m.mu.Lock()
	m.used = 0
	m.messages = 0
	m.mu.Unlock()
}

// Restore seeds the counters from a checkpoint.
func (m *Meter) Restore(used, messages int) {
	m.mu.Lock()
	m.used = used
	m.messages = messages
	m.mu.Unlock()
}
