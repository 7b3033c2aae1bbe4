package worker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAutoApproverSendsPeriodically(t *testing.T) {
	fake := &Fake{}
	a := NewAutoApprover(fake, filepath.Join(t.TempDir(), PauseLock), 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return fake.ApproveCount() >= 3
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestAutoApproverRespectsPauseLock(t *testing.T) {
	fake := &Fake{}
	a := NewAutoApprover(fake, filepath.Join(t.TempDir(), PauseLock), 10*time.Millisecond)

	require.NoError(t, a.Pause())
	assert.True(t, a.Paused())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()

	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, fake.ApproveCount())

	require.NoError(t, a.Resume())
	assert.False(t, a.Paused())

	require.Eventually(t, func() bool {
		return fake.ApproveCount() > 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestResumeWithoutPauseIsNoop(t *testing.T) {
	a := NewAutoApprover(&Fake{}, filepath.Join(t.TempDir(), PauseLock), time.Second)
	require.NoError(t, a.Resume())
}
