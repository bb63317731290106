package substrate

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	derror "github.com/hanfei1991/tuneflow/pkg/errors"
)

// ConvertError normalizes a failure reported by a substrate into the
// scheduler's error classes. RPC-backed substrates surface gRPC status
// codes; everything else passes through untouched.
func ConvertError(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.ResourceExhausted:
		// The substrate's view of capacity won a race against ours.
		return derror.WrapError(derror.ErrResourceExhausted, err)
	case codes.Unavailable, codes.Aborted:
		return derror.WrapError(derror.ErrRemoteWorkerLost, err)
	default:
		return derror.WrapError(derror.ErrRemoteTaskFailed, err)
	}
}
