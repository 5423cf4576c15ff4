package monitor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-npa-governance/internal/logger"
)

func TestNewScheduler_RejectsBadSchedule(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Schedule = "every now and then"
	_, err := NewScheduler(cfg, func(context.Context) SweepResult { return SweepResult{} }, logger.Nop())
	assert.Error(t, err)
}

func TestScheduler_StopWaitsForStartupSweep(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Schedule = "@every 1h"
	cfg.RunOnStart = true

	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	s, err := NewScheduler(cfg, func(context.Context) SweepResult {
		close(started)
		<-release
		finished.Store(true)
		return SweepResult{}
	}, logger.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	<-started
	stopped := make(chan struct{})
	go func() {
		s.Stop(context.Background())
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while the startup sweep was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the sweep finished")
	}
	assert.True(t, finished.Load())
}

func TestScheduler_StopHonorsDeadline(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Schedule = "@every 1h"
	cfg.RunOnStart = true

	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	s, err := NewScheduler(cfg, func(context.Context) SweepResult {
		close(started)
		<-release
		return SweepResult{}
	}, logger.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	s.Stop(ctx)
	assert.ErrorIs(t, ctx.Err(), context.DeadlineExceeded)
}
