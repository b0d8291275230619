package obd2

import "errors"

var (
	ErrIllegalArgument = errors.New("error in function arguments")
	ErrInvalidState    = errors.New("operation not allowed in current state")
	ErrNotConnected    = errors.New("not connected to a bus or stream")
	ErrTimeout         = errors.New("request timed out")
	ErrNoData          = errors.New("response did not correlate with request")
	ErrAdapter         = errors.New("adapter reported an error")
)
