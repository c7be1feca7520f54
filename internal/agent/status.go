package agent

import (
	"errors"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/jbweber/sma/internal/fault"
)

// ErrorDomain is the ErrorInfo domain of status errors returned by the agent.
const ErrorDomain = "sma.spdk.io"

// Code maps a failure kind to its gRPC status code.
func Code(kind fault.Kind) codes.Code {
	switch kind {
	case fault.Validation:
		return codes.InvalidArgument
	case fault.NotFound:
		return codes.NotFound
	case fault.Unsupported:
		return codes.Unimplemented
	default:
		return codes.Internal
	}
}

// Status converts err into a gRPC status error. The message is passed
// through and an ErrorInfo detail carries the failure kind and operation.
// A nil err yields nil; existing status errors are returned unchanged.
func Status(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	kind := fault.KindOf(err)
	st := status.New(Code(kind), err.Error())

	info := &errdetails.ErrorInfo{Reason: kind.String(), Domain: ErrorDomain}
	var fe *fault.Error
	if errors.As(err, &fe) && fe.Op != "" {
		info.Metadata = map[string]string{"operation": fe.Op}
	}
	if withInfo, derr := st.WithDetails(info); derr == nil {
		st = withInfo
	}
	return st.Err()
}

// Reason returns the failure kind recorded in a status error, or "" when err
// carries none.
func Reason(err error) string {
	st, ok := status.FromError(err)
	if !ok {
		return ""
	}
	for _, d := range st.Details() {
		if info, ok := d.(*errdetails.ErrorInfo); ok && info.Domain == ErrorDomain {
			return info.Reason
		}
	}
	return ""
}
