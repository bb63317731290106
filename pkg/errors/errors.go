package errors

import (
	"github.com/pingcap/errors"
)

// all error classes of the scheduler
var (
	// trainable resolution
	ErrTrainableNotFound  = errors.Normalize("trainable %s is not registered", errors.RFCCodeText("TUNEFLOW:ErrTrainableNotFound"))
	ErrTrainableDuplicate = errors.Normalize("trainable %s is already registered", errors.RFCCodeText("TUNEFLOW:ErrTrainableDuplicate"))

	// resource pool
	ErrResourceExhausted = errors.Normalize("resource request cannot be admitted", errors.RFCCodeText("TUNEFLOW:ErrResourceExhausted"))
	ErrUnknownNode       = errors.Normalize("unknown node %s", errors.RFCCodeText("TUNEFLOW:ErrUnknownNode"))

	// trial lifecycle
	ErrTrialConflict = errors.Normalize("operation %s is not allowed for trial %s in status %s", errors.RFCCodeText("TUNEFLOW:ErrTrialConflict"))
	ErrTrialFinished = errors.Normalize("remote work for trial %s has finished", errors.RFCCodeText("TUNEFLOW:ErrTrialFinished"))

	// substrate boundary
	ErrLaunchFailed     = errors.Normalize("failed to launch remote work for trial %s", errors.RFCCodeText("TUNEFLOW:ErrLaunchFailed"))
	ErrRemoteTaskFailed = errors.Normalize("remote work failed", errors.RFCCodeText("TUNEFLOW:ErrRemoteTaskFailed"))
	ErrRemoteWorkerLost = errors.Normalize("remote worker is lost", errors.RFCCodeText("TUNEFLOW:ErrRemoteWorkerLost"))

	// checkpointing
	ErrCheckpointFailed   = errors.Normalize("failed to checkpoint trial %s", errors.RFCCodeText("TUNEFLOW:ErrCheckpointFailed"))
	ErrCheckpointNotFound = errors.Normalize("checkpoint %s not found", errors.RFCCodeText("TUNEFLOW:ErrCheckpointNotFound"))
	ErrRestoreFailed      = errors.Normalize("failed to restore trial %s", errors.RFCCodeText("TUNEFLOW:ErrRestoreFailed"))
	ErrNoCheckpoint       = errors.Normalize("trial %s has no checkpoint", errors.RFCCodeText("TUNEFLOW:ErrNoCheckpoint"))
)

// WrapError generates a new error based on the given *errors.Error and wraps
// err as its cause. If err is nil, it returns nil.
func WrapError(rfcError *errors.Error, err error, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return rfcError.Wrap(err).GenWithStackByArgs(args...)
}
