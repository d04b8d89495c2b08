package rpc

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/danielpatrickdp/adaptive-select/internal/policy"
	"github.com/danielpatrickdp/adaptive-select/internal/state"
)

// #region status-mapping
// errorDomain tags ErrorInfo details produced by this service.
const errorDomain = "adaptiveselect"

// Error reasons carried in ErrorInfo.Reason.
const (
	reasonUnknownPolicy        = "UNKNOWN_POLICY"
	reasonUnknownCandidate     = "UNKNOWN_POLICY_CANDIDATE"
	reasonInvalidConfiguration = "INVALID_CONFIGURATION"
	reasonCombineUnavailable   = "COMBINE_UNAVAILABLE"
	reasonCorruptState         = "CORRUPT_STATE"
	reasonMalformed            = "MALFORMED_MESSAGE"
)

type errorKind struct {
	sentinel error
	code     codes.Code
	reason   string
}

var errorKinds = []errorKind{
	{policy.ErrUnknownPolicy, codes.NotFound, reasonUnknownPolicy},
	{policy.ErrUnknownPolicyCandidate, codes.InvalidArgument, reasonUnknownCandidate},
	{policy.ErrInvalidConfiguration, codes.InvalidArgument, reasonInvalidConfiguration},
	{policy.ErrCombineUnavailable, codes.Unimplemented, reasonCombineUnavailable},
	{state.ErrCorruptState, codes.DataLoss, reasonCorruptState},
	{errMalformed, codes.InvalidArgument, reasonMalformed},
}

// toStatus converts a dispatcher error into a gRPC status error. Known
// sentinels keep their identity through an ErrorInfo reason.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	for _, k := range errorKinds {
		if !errors.Is(err, k.sentinel) {
			continue
		}
		st, derr := status.New(k.code, err.Error()).WithDetails(&errdetails.ErrorInfo{
			Reason: k.reason,
			Domain: errorDomain,
		})
		if derr != nil {
			return status.Error(k.code, err.Error())
		}
		return st.Err()
	}
	return status.Error(codes.Internal, err.Error())
}

// fromStatus re-wraps a status error with the sentinel named by its ErrorInfo
// reason so callers can match it with errors.Is.
func fromStatus(op string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%s rpc: %w", op, err)
	}
	for _, d := range st.Details() {
		info, isInfo := d.(*errdetails.ErrorInfo)
		if !isInfo || info.GetDomain() != errorDomain {
			continue
		}
		for _, k := range errorKinds {
			if k.reason == info.GetReason() {
				return fmt.Errorf("%s rpc: %w: %s", op, k.sentinel, st.Message())
			}
		}
	}
	return fmt.Errorf("%s rpc: %w", op, err)
}

// #endregion status-mapping
