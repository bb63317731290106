package substrate

import (
	"context"

	"github.com/hanfei1991/tuneflow/checkpoint"
	"github.com/hanfei1991/tuneflow/model"
)

// Trainable is one unit of remote work: the opaque user computation a
// trial runs. Step is invoked repeatedly until it reports a result marked
// done, returns an error, or the work is halted.
type Trainable interface {
	Step(ctx context.Context) (model.Result, error)
	Close()
}

// Checkpointable is implemented by trainables that can snapshot and
// re-apply their state. Without it a trial cannot be paused or restored.
type Checkpointable interface {
	SaveState() ([]byte, error)
	RestoreState(payload []byte) error
}

// Resettable is implemented by trainables that support in-place
// reconfiguration without a restart. ResetConfig returns false if the
// new config cannot be applied in place.
type Resettable interface {
	ResetConfig(config model.TrialConfig) bool
}

// TrainableFactory builds a Trainable from a trial config.
type TrainableFactory func(config model.TrialConfig) (Trainable, error)

// Capabilities records which optional behaviors a unit of work supports.
// It is detected once at launch, avoiding trial-and-error dispatch at
// every call.
type Capabilities struct {
	Checkpoint   bool
	InPlaceReset bool
}

// DetectCapabilities inspects a trainable for its optional interfaces.
func DetectCapabilities(tr Trainable) Capabilities {
	_, canCheckpoint := tr.(Checkpointable)
	_, canReset := tr.(Resettable)
	return Capabilities{
		Checkpoint:   canCheckpoint,
		InPlaceReset: canReset,
	}
}

// WorkSpec describes one unit of work to launch.
type WorkSpec struct {
	TrialID   model.TrialID
	Node      model.NodeID
	Factory   TrainableFactory
	Config    model.TrialConfig
	Resources model.Resources

	// Restore, when non-nil, initializes the work from a previous
	// checkpoint before the first step.
	Restore *checkpoint.Ref
}

// Handle refers to one launched unit of work. A trial has at most one
// live handle at a time, owned by the executor.
type Handle interface {
	ID() string
	Node() model.NodeID
	Capabilities() Capabilities

	// Results streams step results. The channel is closed once the work
	// settles: it completed, failed, or was halted.
	Results() <-chan model.Result

	// Err returns the terminal failure of the work. It must only be
	// called after Results is closed; nil means the work settled cleanly.
	Err() error
}

type PollState int32

const (
	// PollPending means the work is running and has no result ready.
	PollPending PollState = iota + 1
	// PollReady means a step result is available.
	PollReady
	// PollDone means the work settled cleanly.
	PollDone
	// PollFailed means the work settled with a failure.
	PollFailed
)

// PollResponse is the outcome of a non-blocking poll of a handle.
type PollResponse struct {
	State  PollState
	Result model.Result
	Err    error
}

// Proxy is the boundary to the remote execution substrate. The substrate
// owns worker placement and failure detection; the scheduler only sees
// handles and typed failures.
type Proxy interface {
	Launch(ctx context.Context, spec WorkSpec) (Handle, error)
	Checkpoint(ctx context.Context, h Handle, target checkpoint.Target) (checkpoint.Ref, error)
	Restore(ctx context.Context, h Handle, ref checkpoint.Ref) error

	// Reset applies a new config to running work in place. It returns
	// (false, nil) when the work does not support in-place reset.
	Reset(ctx context.Context, h Handle, config model.TrialConfig) (bool, error)

	// Halt requests the work to stop. It is best-effort and never fails
	// from the caller's perspective.
	Halt(h Handle)

	// Poll is a non-blocking check of a handle's progress.
	Poll(h Handle) PollResponse
}

// ClusterView reports the substrate's current node membership. The
// scheduler refreshes its resource pool from it on a cadence; the view is
// advisory, not a transactional guarantee.
type ClusterView interface {
	Nodes() []model.NodeInfo
}
