package engine

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSupervisorReportsTaskError(t *testing.T) {
	var (
		mu       sync.Mutex
		gotName  string
		gotError error
	)
	s := NewSupervisor(WithOnError(func(name string, err error) {
		mu.Lock()
		defer mu.Unlock()
		gotName = name
		gotError = err
	}))

	cause := errors.New("increment failed")
	require.True(t, s.Schedule("increment-views", func() error {
		return cause
	}))
	s.Close()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "increment-views", gotName)
	require.ErrorIs(t, gotError, cause)
}

func TestSupervisorRecoversPanic(t *testing.T) {
	var (
		mu       sync.Mutex
		gotError error
	)
	s := NewSupervisor(WithOnError(func(name string, err error) {
		mu.Lock()
		defer mu.Unlock()
		gotError = err
	}))

	require.True(t, s.Schedule("cleanup", func() error {
		panic("boom")
	}))
	s.Close()

	mu.Lock()
	defer mu.Unlock()
	require.ErrorContains(t, gotError, "panic: boom")
}

func TestSupervisorCloseWaitsForTasks(t *testing.T) {
	s := NewSupervisor()

	started := make(chan struct{})
	release := make(chan struct{})
	done := false

	require.True(t, s.Schedule("slow", func() error {
		close(started)
		<-release
		done = true
		return nil
	}))

	<-started
	close(release)
	s.Close()

	// Close returned only after the task finished.
	require.True(t, done)
}

func TestSupervisorDropsTasksAfterClose(t *testing.T) {
	s := NewSupervisor()
	s.Close()

	ran := false
	require.False(t, s.Schedule("late", func() error {
		ran = true
		return nil
	}))
	require.False(t, ran)
}

func TestSupervisorCloseIsIdempotent(t *testing.T) {
	s := NewSupervisor()
	s.Close()
	s.Close()
}
