package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSweeper struct {
	calls chan struct{}
	err   error
}

func (c *countingSweeper) Sweep(ctx context.Context) (*SweepReport, error) {
	c.calls <- struct{}{}
	if c.err != nil {
		return nil, c.err
	}
	return &SweepReport{Cutoff: "2024-05-16"}, nil
}

func TestRetentionSchedulerRejectsBadSchedule(t *testing.T) {
	s := NewRetentionScheduler(&countingSweeper{calls: make(chan struct{}, 1)}, "every tuesday")
	assert.Error(t, s.Start())
}

func TestRetentionSchedulerRunsSweep(t *testing.T) {
	sweeper := &countingSweeper{calls: make(chan struct{}, 4)}
	s := NewRetentionScheduler(sweeper, "@every 1s")
	require.NoError(t, s.Start())
	defer s.Stop(context.Background())

	select {
	case <-sweeper.calls:
	case <-time.After(3 * time.Second):
		t.Fatal("sweep did not run")
	}
}

func TestRetentionSchedulerSurvivesSweepErrors(t *testing.T) {
	sweeper := &countingSweeper{calls: make(chan struct{}, 1), err: errors.New("disk gone")}
	s := NewRetentionScheduler(sweeper, "@daily")
	s.run()
	assert.Len(t, sweeper.calls, 1)
}
