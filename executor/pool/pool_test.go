package pool

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hanfei1991/tuneflow/model"
	derror "github.com/hanfei1991/tuneflow/pkg/errors"
)

func TestHasResourcesSingleNodeFit(t *testing.T) {
	p := New()
	p.AddNode(model.NodeInfo{ID: "node-1", Capacity: model.NewResources(1, 0)})

	require.True(t, p.HasResources(model.NewResources(1, 0)))
	// Co-located kinds must fit on one node; there is no GPU anywhere.
	require.False(t, p.HasResources(model.NewResources(1, 1)))

	p.AddNode(model.NodeInfo{ID: "node-2", Capacity: model.NewResources(1, 1)})
	require.True(t, p.HasResources(model.NewResources(1, 1)))
}

func TestCommitRelease(t *testing.T) {
	p := New()
	p.AddNode(model.NodeInfo{ID: "node-1", Capacity: model.NewResources(2, 1)})

	node, err := p.Commit(model.NewResources(1, 1), "trial-a")
	require.NoError(t, err)
	require.Equal(t, model.NodeID("node-1"), node)
	require.Equal(t, model.NewResources(1, 1), p.Committed())

	// One CPU is left, but the GPU is taken.
	require.True(t, p.HasResources(model.NewResources(1, 0)))
	require.False(t, p.HasResources(model.NewResources(0, 1)))

	require.NoError(t, p.Release(node, "trial-a"))
	require.True(t, p.Committed().IsZero())
	require.True(t, p.HasResources(model.NewResources(1, 1)))
}

func TestCommitRevalidates(t *testing.T) {
	p := New()
	p.AddNode(model.NodeInfo{ID: "node-1", Capacity: model.NewResources(1, 0)})

	_, err := p.Commit(model.NewResources(1, 0), "trial-a")
	require.NoError(t, err)

	// The invariant is checked at commit time even though a stale
	// HasResources answer might have said yes.
	_, err = p.Commit(model.NewResources(1, 0), "trial-b")
	require.True(t, derror.ErrResourceExhausted.Equal(err))
}

func TestReleaseUnknownNode(t *testing.T) {
	p := New()
	err := p.Release("node-404", "trial-a")
	require.True(t, derror.ErrUnknownNode.Equal(err))
}

func TestReleaseWithoutCommitIsNoop(t *testing.T) {
	p := New()
	p.AddNode(model.NodeInfo{ID: "node-1", Capacity: model.NewResources(1, 0)})
	require.NoError(t, p.Release("node-1", "trial-a"))
	require.True(t, p.Committed().IsZero())
}

func TestRemoveNodeEvictions(t *testing.T) {
	p := New()
	p.AddNode(model.NodeInfo{ID: "node-1", Capacity: model.NewResources(2, 0)})

	_, err := p.Commit(model.NewResources(1, 0), "trial-a")
	require.NoError(t, err)
	_, err = p.Commit(model.NewResources(1, 0), "trial-b")
	require.NoError(t, err)

	evictions := p.RemoveNode("node-1")
	require.Len(t, evictions, 2)
	owners := []string{evictions[0].Owner, evictions[1].Owner}
	require.ElementsMatch(t, []string{"trial-a", "trial-b"}, owners)
	require.True(t, p.Committed().IsZero())
	require.False(t, p.HasResources(model.NewResources(1, 0)))
}

func TestSyncReconciles(t *testing.T) {
	p := New()
	p.AddNode(model.NodeInfo{ID: "node-1", Capacity: model.NewResources(1, 0)})
	_, err := p.Commit(model.NewResources(1, 0), "trial-a")
	require.NoError(t, err)

	// node-1 disappears from the view, node-2 appears.
	evictions := p.Sync([]model.NodeInfo{
		{ID: "node-2", Capacity: model.NewResources(2, 1)},
	})
	require.Len(t, evictions, 1)
	require.Equal(t, "trial-a", evictions[0].Owner)
	require.Equal(t, model.NodeID("node-1"), evictions[0].Node)

	require.True(t, p.HasResources(model.NewResources(2, 1)))

	// Capacity updates keep existing commitments.
	_, err = p.Commit(model.NewResources(1, 0), "trial-b")
	require.NoError(t, err)
	evictions = p.Sync([]model.NodeInfo{
		{ID: "node-2", Capacity: model.NewResources(3, 1)},
	})
	require.Len(t, evictions, 0)
	require.Equal(t, model.NewResources(1, 0), p.Committed())
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	p := New()
	p.AddNode(model.NodeInfo{ID: "node-1", Capacity: model.NewResources(1, 0)})

	snap := p.Snapshot()
	snap["node-1"].Capacity[model.ResourceCPU] = 100
	require.False(t, p.HasResources(model.NewResources(2, 0)))
}
