package model

import (
	"github.com/hanfei1991/tuneflow/checkpoint"
	"github.com/hanfei1991/tuneflow/pkg/autoid"
)

// TrialID identifies one trial.
type TrialID string

// TrialConfig maps parameter names to values. It is only mutated while the
// trial is not running, or through an explicit in-place reset.
type TrialConfig map[string]interface{}

// Result is one step result reported by the remote work of a trial.
// Its layout is owned by the trainable; the scheduler only inspects
// the "done" marker.
type Result map[string]interface{}

// Done reports whether the remote work declared itself finished with
// this result.
func (r Result) Done() bool {
	done, _ := r["done"].(bool)
	return done
}

type TrialStatus int32

const (
	TrialPending TrialStatus = iota + 1
	TrialRunning
	TrialPaused
	TrialTerminated
	TrialError
)

func (s TrialStatus) String() string {
	switch s {
	case TrialPending:
		return "PENDING"
	case TrialRunning:
		return "RUNNING"
	case TrialPaused:
		return "PAUSED"
	case TrialTerminated:
		return "TERMINATED"
	case TrialError:
		return "ERROR"
	}
	return "UNKNOWN"
}

// Terminal returns true for statuses no operation may leave.
func (s TrialStatus) Terminal() bool {
	return s == TrialTerminated || s == TrialError
}

// Trial is one experiment run. Status transitions and the remote handle
// are driven exclusively by the TrialExecutor; callers create trials and
// read their fields.
type Trial struct {
	ID TrialID

	// Trainable names the computation to run. It is resolved through a
	// registry when the trial is first started.
	Trainable     string
	Config        TrialConfig
	Resources     Resources
	ExperimentTag string

	Status TrialStatus

	// Checkpoint is the last known persisted state of the trial. It
	// outlives the remote work and is the sole carrier of state across
	// pause/resume and restore.
	Checkpoint *checkpoint.Ref
}

var trialIDs = autoid.NewUUIDAllocator()

// NewTrial creates a PENDING trial with a fresh unique ID.
func NewTrial(trainable string, config TrialConfig, resources Resources) *Trial {
	return &Trial{
		ID:            TrialID(trialIDs.AllocID()),
		Trainable:     trainable,
		Config:        config,
		Resources:     resources.Clone(),
		ExperimentTag: trainable,
		Status:        TrialPending,
	}
}
