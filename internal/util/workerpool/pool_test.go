package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_RunsJobs(t *testing.T) {
	p := New(Config{Name: "test", Workers: 2, QueueSize: 8})
	defer p.Stop(context.Background())

	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		require.True(t, p.Submit(Job{Run: func(ctx context.Context) error {
			ran.Add(1)
			return nil
		}}))
	}

	require.Eventually(t, func() bool { return ran.Load() == 5 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return p.Stats().Completed == 5 }, time.Second, 5*time.Millisecond)
}

func TestPool_DeduplicatesByKey(t *testing.T) {
	p := New(Config{Name: "test", Workers: 1, QueueSize: 8})
	defer p.Stop(context.Background())

	release := make(chan struct{})
	require.True(t, p.Submit(Job{Key: "ka2", Run: func(ctx context.Context) error {
		<-release
		return nil
	}}))
	assert.True(t, p.Pending("ka2"))
	assert.False(t, p.Submit(Job{Key: "ka2", Run: func(ctx context.Context) error { return nil }}))
	assert.Equal(t, uint64(1), p.Stats().Duplicates)

	close(release)
	require.Eventually(t, func() bool { return !p.Pending("ka2") }, time.Second, 5*time.Millisecond)
	assert.True(t, p.Submit(Job{Key: "ka2", Run: func(ctx context.Context) error { return nil }}))
}

func TestPool_RecoversPanicsAndCountsFailures(t *testing.T) {
	p := New(Config{Name: "test", Workers: 1, QueueSize: 4})
	defer p.Stop(context.Background())

	require.True(t, p.Submit(Job{Run: func(ctx context.Context) error { panic("boom") }}))
	require.True(t, p.Submit(Job{Run: func(ctx context.Context) error { return errors.New("nope") }}))

	require.Eventually(t, func() bool { return p.Stats().Failed == 2 }, time.Second, 5*time.Millisecond)
}

func TestPool_StopCancelsAndRejects(t *testing.T) {
	p := New(Config{Name: "test", Workers: 1, QueueSize: 4})

	started := make(chan struct{})
	require.True(t, p.Submit(Job{Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Stop(ctx))
	assert.False(t, p.Submit(Job{Run: func(ctx context.Context) error { return nil }}))
	assert.NoError(t, p.Stop(ctx))
}
