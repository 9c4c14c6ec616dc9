package framework

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func TestRunnerStopsOthers(t *testing.T) {
	r := NewRunner()
	started := make(chan struct{})
	r.Go(NamedRun("waiter", RunnableFunc(func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})))
	<-started
	r.Go(RunnableFunc(func(context.Context) error { return errBoom }))
	err := r.Wait()
	require.ErrorIs(t, err, errBoom)
	require.Equal(t, "boom", err.Error())
}

func TestRunnerStop(t *testing.T) {
	r := NewRunner()
	r.Go(RunnableFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	r.Stop()
	require.NoError(t, r.Wait())
}

func TestAggregatedError(t *testing.T) {
	var errs AggregatedError
	require.NoError(t, errs.Add(nil, nil).Aggregate())
	other := errors.New("other")
	err := errs.Add(other, nil, errBoom).Aggregate()
	require.Error(t, err)
	require.ErrorIs(t, err, errBoom)
	require.ErrorIs(t, err, other)
	require.Equal(t, "multiple errors:\nother\nboom", err.Error())
}

func TestRunWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	canceled := false
	cancel()
	err := RunWithContext(ctx, func() {
		canceled = true
		close(release)
	}, func() error {
		<-release
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	require.True(t, canceled)

	require.ErrorIs(t, RunWithContext(context.Background(), nil, func() error { return errBoom }), errBoom)
}
