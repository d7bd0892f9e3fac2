package scanner

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/cyclearb/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func submit(t *testing.T, p *Pool, job func()) *Task {
	t.Helper()
	task, err := p.Submit(context.Background(), job)
	require.NoError(t, err)
	return task
}

func TestPool_RunsJobs(t *testing.T) {
	p := NewPool(3, 0, discardLogger())
	defer p.Close()

	var n atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		_, err := p.Submit(context.Background(), func() {
			defer wg.Done()
			n.Add(1)
		})
		require.NoError(t, err)
	}
	wg.Wait()
	assert.Equal(t, int32(10), n.Load())
	assert.Equal(t, 3, p.Size())
}

func TestPool_SurvivesPanics(t *testing.T) {
	p := NewPool(1, 0, discardLogger())
	defer p.Close()

	submit(t, p, func() { panic("boom") })

	done := make(chan struct{})
	submit(t, p, func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive panic")
	}
}

func TestPool_SubmitHonoursContext(t *testing.T) {
	p := NewPool(1, 0, discardLogger())
	defer p.Close()

	block := make(chan struct{})
	defer close(block)
	submit(t, p, func() { <-block })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Submit(ctx, func() {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPool_Close(t *testing.T) {
	p := NewPool(2, 0, discardLogger())
	submit(t, p, func() {})

	p.Close()
	p.Close()
	require.NoError(t, p.Wait(context.Background()))
	_, err := p.Submit(context.Background(), func() {})
	assert.ErrorIs(t, err, domain.ErrPoolClosed)

	never := NewPool(0, 0, discardLogger())
	never.Close()
	require.NoError(t, never.Wait(context.Background()))
	assert.Equal(t, 1, never.Size())
}

func TestPool_DetachReplacesBusyWorker(t *testing.T) {
	p := NewPool(1, 1, discardLogger())
	defer p.Close()

	block := make(chan struct{})
	started := make(chan struct{})
	stuck := submit(t, p, func() {
		close(started)
		<-block
	})
	<-started

	assert.True(t, p.Detach(stuck))
	assert.False(t, p.Detach(stuck))
	assert.Equal(t, 1, p.Detached())

	done := make(chan struct{})
	submit(t, p, func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("replacement worker did not pick up the job")
	}

	close(block)
	assert.Eventually(t, func() bool { return p.Detached() == 0 }, time.Second, 5*time.Millisecond)

	p.Close()
	require.NoError(t, p.Wait(context.Background()))
}

func TestPool_DetachBounded(t *testing.T) {
	p := NewPool(1, 1, discardLogger())
	defer p.Close()

	block := make(chan struct{})
	defer close(block)

	for i, want := range []bool{true, false} {
		started := make(chan struct{})
		task := submit(t, p, func() {
			close(started)
			<-block
		})
		<-started
		assert.Equal(t, want, p.Detach(task), "detach %d", i)
	}
	assert.Equal(t, 1, p.Detached())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Submit(ctx, func() {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPool_DetachFinishedTask(t *testing.T) {
	p := NewPool(1, 1, discardLogger())
	defer p.Close()

	done := make(chan struct{})
	task := submit(t, p, func() { close(done) })
	<-done
	assert.Eventually(t, func() bool {
		task.mu.Lock()
		defer task.mu.Unlock()
		return task.state == taskFinished
	}, time.Second, 5*time.Millisecond)

	assert.False(t, p.Detach(task))
	assert.Zero(t, p.Detached())
	assert.False(t, p.Detach(nil))
}

func TestPool_WaitHonoursContext(t *testing.T) {
	p := NewPool(1, 0, discardLogger())
	block := make(chan struct{})
	defer close(block)

	started := make(chan struct{})
	submit(t, p, func() {
		close(started)
		<-block
	})
	<-started
	p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Wait(ctx), context.DeadlineExceeded)
}
