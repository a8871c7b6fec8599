package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"venuescout/internal/research"
	"venuescout/pkg/types"
)

func TestJobManagerStatuses(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewJobManager(context.Background(), runnerFunc(func(_ context.Context, s types.Subject) (*research.Report, error) {
		if s.Name == "broken" {
			return &research.Report{Subject: s}, errors.New("disk full")
		}
		return &research.Report{Subject: s, Collection: "venues_csv"}, nil
	}), 4, 10, logger)
	defer m.Shutdown()

	ok, err := m.Start(types.Subject{Kind: types.KindVenue, Name: "fine"})
	require.NoError(t, err)
	bad, err := m.Start(types.Subject{Kind: types.KindVenue, Name: "broken"})
	require.NoError(t, err)
	waitDone(t, ok)
	waitDone(t, bad)

	require.Equal(t, JobStatusCompleted, ok.Status())
	failed := bad.Snapshot()
	require.Equal(t, JobStatusFailed, failed.Status)
	require.Equal(t, "disk full", failed.Error)
	require.NotNil(t, failed.CompletedAt)
	require.ErrorIs(t, m.Cancel(ok.ID(), "late"), ErrJobNotRunning)
}

func TestJobManagerPrunesFinishedHistory(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewJobManager(context.Background(), runnerFunc(func(_ context.Context, s types.Subject) (*research.Report, error) {
		return &research.Report{Subject: s}, nil
	}), 1, 2, logger)
	defer m.Shutdown()

	var ids []string
	for _, name := range []string{"a", "b", "c"} {
		job, err := m.Start(types.Subject{Kind: types.KindVenue, Name: name})
		require.NoError(t, err)
		waitDone(t, job)
		ids = append(ids, job.ID())
	}
	require.Len(t, m.List(), 2)
	_, found := m.Get(ids[0])
	require.False(t, found)
	_, found = m.Get(ids[2])
	require.True(t, found)
}

func TestJobManagerShutdownCancelsRunningJobs(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	started := make(chan struct{})
	m := NewJobManager(context.Background(), runnerFunc(func(ctx context.Context, _ types.Subject) (*research.Report, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}), 1, 10, logger)

	job, err := m.Start(types.Subject{Kind: types.KindFoodHall, Name: "slow"})
	require.NoError(t, err)
	<-started
	queued, err := m.Start(types.Subject{Kind: types.KindFoodHall, Name: "other"})
	require.NoError(t, err)
	require.Equal(t, JobStatusPending, queued.Status())

	m.Shutdown()
	require.Equal(t, JobStatusCancelled, job.Status())
	require.Equal(t, JobStatusCancelled, queued.Status())
	require.Nil(t, queued.Snapshot().StartedAt)

	_, err = m.Start(types.Subject{Kind: types.KindFoodHall, Name: "late"})
	require.ErrorIs(t, err, ErrShuttingDown)
}

func TestJobManagerQueuesBeyondConcurrency(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	release := map[string]chan struct{}{
		"first":  make(chan struct{}),
		"second": make(chan struct{}),
		"third":  make(chan struct{}),
	}
	order := make(chan string, 3)
	m := NewJobManager(context.Background(), runnerFunc(func(ctx context.Context, s types.Subject) (*research.Report, error) {
		order <- s.Name
		select {
		case <-release[s.Name]:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &research.Report{Subject: s}, nil
	}), 1, 10, logger)
	defer m.Shutdown()

	first, err := m.Start(types.Subject{Kind: types.KindVenue, Name: "first"})
	require.NoError(t, err)
	second, err := m.Start(types.Subject{Kind: types.KindVenue, Name: "second"})
	require.NoError(t, err)
	third, err := m.Start(types.Subject{Kind: types.KindVenue, Name: "third"})
	require.NoError(t, err)
	require.Equal(t, "first", <-order)
	require.Equal(t, 2, m.Queued())
	require.Equal(t, JobStatusPending, second.Status())

	require.NoError(t, m.Cancel(third.ID(), "not needed"))
	waitDone(t, third)
	require.Equal(t, JobStatusCancelled, third.Status())
	require.Equal(t, 1, m.Queued())

	close(release["first"])
	waitDone(t, first)
	require.Equal(t, "second", <-order)
	close(release["second"])
	waitDone(t, second)
	require.Equal(t, JobStatusCompleted, second.Status())
	require.Equal(t, 0, m.Queued())
	require.Empty(t, order)
}
