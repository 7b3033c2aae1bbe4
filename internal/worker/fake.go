package worker

import (
	"context"
	"sync"
)

// Fake is an in-memory Converser for tests and dry runs. It records
// everything delivered and can be scripted to fail or to return canned
// captures.
type Fake struct {
	mu         sync.Mutex
	Sent       []string
	Commands   []string
	Approvals  int
	Recoveries int

	SendErr    error
	CaptureOut []string
	captureIdx int
}

var _ Converser = (*Fake)(nil)

func (f *Fake) Send(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return f.SendErr
	}
	f.Sent = append(f.Sent, text)
	return nil
}

func (f *Fake) SendCommand(_ context.Context, command string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return f.SendErr
	}
	f.Commands = append(f.Commands, command)
	return nil
}

func (f *Fake) Capture(_ context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.CaptureOut) == 0 {
		return "", nil
	}
	out := f.CaptureOut[f.captureIdx%len(f.CaptureOut)]
	f.captureIdx++
	return out, nil
}

func (f *Fake) SendApprove(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Approvals++
	return nil
}

func (f *Fake) Recover(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Recoveries++
	return nil
}

// SentMessages returns a copy of everything sent.
func (f *Fake) SentMessages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Sent...)
}

// SentCommands returns a copy of the delivered commands.
func (f *Fake) SentCommands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Commands...)
}

// ApproveCount returns how many approval keystrokes were delivered.
func (f *Fake) ApproveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Approvals
}

// RecoverCount returns how many recoveries were requested.
func (f *Fake) RecoverCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Recoveries
}
