package local

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hanfei1991/tuneflow/checkpoint"
	"github.com/hanfei1991/tuneflow/model"
	derror "github.com/hanfei1991/tuneflow/pkg/errors"
	"github.com/hanfei1991/tuneflow/substrate"
	"github.com/hanfei1991/tuneflow/substrate/fake"
)

func newTestSubstrate(t *testing.T) *Substrate {
	sub := New(checkpoint.NewLocalStore(t.TempDir()))
	sub.AddNode("node-1", model.NewResources(4, 1))
	return sub
}

func launch(t *testing.T, sub *Substrate, factory substrate.TrainableFactory) substrate.Handle {
	h, err := sub.Launch(context.Background(), substrate.WorkSpec{
		TrialID: "trial-1",
		Node:    "node-1",
		Factory: factory,
		Config:  model.TrialConfig{},
	})
	require.NoError(t, err)
	return h
}

func TestWorkRunsToCompletion(t *testing.T) {
	sub := newTestSubstrate(t)
	h := launch(t, sub, fake.NewFactory(fake.Config{Steps: 3}))

	var results []model.Result
	for res := range h.Results() {
		results = append(results, res)
	}
	require.Len(t, results, 3)
	require.True(t, results[2].Done())
	require.NoError(t, h.Err())
}

func TestWorkStepFailure(t *testing.T) {
	sub := newTestSubstrate(t)
	h := launch(t, sub, fake.NewFactory(fake.Config{Steps: 5, FailAt: 2}))

	var results []model.Result
	for res := range h.Results() {
		results = append(results, res)
	}
	require.Len(t, results, 1)
	require.True(t, derror.ErrRemoteTaskFailed.Equal(h.Err()))
}

func TestHaltSettlesCleanly(t *testing.T) {
	sub := newTestSubstrate(t)
	h := launch(t, sub, fake.NewFactory(fake.Config{}))

	// Wait for at least one step so the run loop is past startup.
	select {
	case <-h.Results():
	case <-time.After(time.Second):
		t.Fatal("no result produced")
	}

	sub.Halt(h)
	sub.Halt(h) // halting twice is fine
	require.Eventually(t, func() bool {
		return sub.Poll(h).State != substrate.PollReady &&
			sub.Poll(h).State != substrate.PollPending
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, h.Err())
}

func TestNodeLossKillsHostedWork(t *testing.T) {
	sub := newTestSubstrate(t)
	h := launch(t, sub, fake.NewFactory(fake.Config{}))

	sub.RemoveNode("node-1")
	require.Eventually(t, func() bool {
		return sub.Poll(h).State == substrate.PollFailed
	}, time.Second, 5*time.Millisecond)
	require.True(t, derror.ErrRemoteWorkerLost.Equal(h.Err()))
}

func TestLaunchOnUnknownNode(t *testing.T) {
	sub := newTestSubstrate(t)
	_, err := sub.Launch(context.Background(), substrate.WorkSpec{
		TrialID: "trial-1",
		Node:    "node-404",
		Factory: fake.NewFactory(fake.Config{}),
	})
	require.True(t, derror.ErrUnknownNode.Equal(err))
}

func TestCheckpointRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	sub := newTestSubstrate(t)
	h := launch(t, sub, fake.NewFactory(fake.Config{Steps: 4}))

	// Drain to completion, then snapshot the settled counter.
	for range h.Results() {
	}
	require.NoError(t, h.Err())
	ref, err := sub.Checkpoint(ctx, h, checkpoint.TargetMemory)
	require.NoError(t, err)

	// Relaunch from the checkpoint and confirm the counter resumes where
	// the snapshot was taken.
	h2, err := sub.Launch(ctx, substrate.WorkSpec{
		TrialID: "trial-2",
		Node:    "node-1",
		Factory: fake.NewFactory(fake.Config{Steps: 6}),
		Config:  model.TrialConfig{},
		Restore: &ref,
	})
	require.NoError(t, err)
	res := <-h2.Results()
	require.Equal(t, 5, res["count"])
	for range h2.Results() {
	}
	require.NoError(t, h2.Err())
}

func TestCapabilities(t *testing.T) {
	sub := newTestSubstrate(t)

	full := launch(t, sub, fake.NewResettableFactory(fake.Config{}))
	require.True(t, full.Capabilities().Checkpoint)
	require.True(t, full.Capabilities().InPlaceReset)

	ok, err := sub.Reset(context.Background(), full, model.TrialConfig{"hi": 1})
	require.NoError(t, err)
	require.True(t, ok)
	sub.Halt(full)

	bare := launch(t, sub, fake.NewBareFactory(fake.Config{}))
	require.False(t, bare.Capabilities().Checkpoint)
	require.False(t, bare.Capabilities().InPlaceReset)

	ok, err = sub.Reset(context.Background(), bare, model.TrialConfig{})
	require.NoError(t, err)
	require.False(t, ok)

	_, err = sub.Checkpoint(context.Background(), bare, checkpoint.TargetMemory)
	require.True(t, derror.ErrCheckpointFailed.Equal(err))
	sub.Halt(bare)
}
