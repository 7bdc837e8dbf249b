package coordinator

import "errors"

// Sentinel errors for the coordinator client's failure classification, per
// spec §7.
var (
	// ErrTimeout is returned when an overall deadline or watchdog elapses.
	ErrTimeout = errors.New("coordinator: timeout")

	// ErrConnectionFailed mirrors an explicit GC_CONNECT_FAILED response.
	ErrConnectionFailed = errors.New("coordinator: connection failed")

	// ErrDecode marks a malformed packet or field.
	ErrDecode = errors.New("coordinator: decode error")
)
