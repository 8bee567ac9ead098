package ash

import (
	"errors"
	"fmt"
)

// Frame level errors. Returned wrapped in a *FrameError by Decode and Encode.
var (
	ErrChecksum  = errors.New("ash: checksum mismatch")
	ErrMalformed = errors.New("ash: malformed frame")
	ErrOversize  = errors.New("ash: frame too large")
)

// Link level errors, reported to callers of Proxy
var (
	// ErrTimeout is returned when a DATA frame was not acknowledged after all retransmissions
	ErrTimeout = errors.New("ash: acknowledgement timeout")
	// ErrResetRequired is returned when the link was reset or has to be reset before the request could complete
	ErrResetRequired = errors.New("ash: link reset required")
	// ErrCancelled is returned for requests that were pending when the Transceiver stopped
	ErrCancelled = errors.New("ash: cancelled")
	// ErrRejected is returned when the peer keeps NAKing a frame
	ErrRejected = errors.New("ash: frame rejected by peer")
	// ErrLinkFailed is returned for submissions to a failed link and wraps transport errors
	ErrLinkFailed = errors.New("ash: link failed")
)

// FrameError describes a frame that could not be encoded or decoded
type FrameError struct {
	Err error
	Raw []byte
}

func (e *FrameError) Error() string {
	if len(e.Raw) == 0 {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v in '% x'", e.Err, e.Raw)
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

func frameErr(err error, raw []byte) error {
	return &FrameError{Err: err, Raw: append([]byte(nil), raw...)}
}

// PeerError is the cause sent by the NCP in an ERROR frame
type PeerError struct {
	Version byte
	Code    ResetCode
}

func (e *PeerError) Error() string {
	return fmt.Sprintf("ash: NCP error v%d: %v", e.Version, e.Code)
}
