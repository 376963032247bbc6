package callsdk

import (
	"errors"
	"fmt"
)

var (
	ErrMediaAcquisition   = errors.New("could not acquire local media")
	ErrNegotiation        = errors.New("could not negotiate peer connection")
	ErrSignalingWrite     = errors.New("could not write to signaling store")
	ErrInvalidReaction    = errors.New("reaction emoji is not allowed")
	ErrConnectionLost     = errors.New("peer connection lost")
	ErrConnectionExists   = errors.New("a connection already exists for this key")
	ErrConnectionNotFound = errors.New("no connection for this key")
	ErrChannelNotOpen     = errors.New("data channel is not open")
	ErrRecordExists       = errors.New("call record already exists")
	ErrRecordNotFound     = errors.New("call record not found")
	ErrUnknownField       = errors.New("unknown call record field")
	ErrCallNotFound       = errors.New("no call with this id")
	ErrCallNotRinging     = errors.New("call is no longer ringing")
	ErrNoLocalStream      = errors.New("no local stream attached")
)

// ThrottledError is returned by reaction sends attempted inside the
// rate-limit window. It is advisory, not a teardown condition.
type ThrottledError struct {
	// Wait is the number of whole seconds until the next send is allowed,
	// rounded up.
	Wait int
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("reaction throttled, retry in %ds", e.Wait)
}
