package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/gwillem/spotweb/pkg/robot"
)

// Kind classifies a failed operation.
type Kind string

const (
	NotConnected     Kind = "NotConnected"
	InvalidState     Kind = "InvalidState"
	AuthFailure      Kind = "AuthFailure"
	TimeSyncFailure  Kind = "TimeSyncFailure"
	LeaseUnavailable Kind = "LeaseUnavailable"
	RPCFailure       Kind = "RpcFailure"
	Unexpected       Kind = "Unexpected"
)

// Result is the envelope returned by every supervisor operation.
type Result struct {
	OK    bool           `json:"ok"`
	Data  map[string]any `json:"data,omitempty"`
	Error *ErrorInfo     `json:"error,omitempty"`
}

type ErrorInfo struct {
	Kind         Kind   `json:"kind"`
	Message      string `json:"message"`
	SuggestedFix string `json:"suggested_fix,omitempty"`
}

// Err returns the error carried by r as a Go error, or nil.
func (r Result) Err() error {
	if r.OK || r.Error == nil {
		return nil
	}
	return fmt.Errorf("%s: %s", r.Error.Kind, r.Error.Message)
}

func success(data map[string]any) Result {
	return Result{OK: true, Data: data}
}

func failure(kind Kind, msg string) Result {
	return Result{
		Error: &ErrorInfo{
			Kind:         kind,
			Message:      msg,
			SuggestedFix: SuggestFix(msg),
		},
	}
}

// fail classifies err into an error result.
func fail(err error) Result {
	return failure(classify(err), err.Error())
}

func notConnected() Result {
	return failure(NotConnected, "not connected to robot")
}

func classify(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, robot.ErrAuth):
		return AuthFailure
	case errors.Is(err, robot.ErrTimeSync):
		return TimeSyncFailure
	case errors.Is(err, robot.ErrLeaseUnavailable):
		return LeaseUnavailable
	case errors.Is(err, robot.ErrRPC),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return RPCFailure
	}
	return Unexpected
}
