package robot

import "errors"

// Backends wrap these sentinels so the bridge can classify failures.
var (
	ErrAuth             = errors.New("authentication failed")
	ErrTimeSync         = errors.New("time sync failed")
	ErrLeaseUnavailable = errors.New("lease unavailable")
	ErrRPC              = errors.New("rpc failed")
)
