package transfer

import (
	"errors"
	"time"
)

// Error taxonomy for the chunk transfer protocol.
var (
	// ErrProtocolDecode is returned when a payload is not valid JSON or lacks required fields
	ErrProtocolDecode = errors.New("protocol decode error")

	// ErrChunkIntegrity is returned when chunk_hash does not match the received chunk text
	ErrChunkIntegrity = errors.New("chunk integrity error")

	// ErrFileIntegrity is returned when the assembled file does not match file_hash
	ErrFileIntegrity = errors.New("file integrity error")

	// ErrIO wraps failures to open, read, write or rename a file
	ErrIO = errors.New("io error")

	// ErrSequenceGap is returned when a chunk arrives ahead of the next expected number
	ErrSequenceGap = errors.New("chunk sequence gap")

	// ErrUnsafeFilename is returned when a filename is not a plain base name
	ErrUnsafeFilename = errors.New("unsafe filename")

	// ErrAckTimeout is returned when a chunk was resent MaxRetries times without an ack
	ErrAckTimeout = errors.New("acknowledgment timeout")

	// ErrInvalidConfiguration is returned for out-of-range settings
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrIsDir is returned when asked to send a directory
	ErrIsDir = errors.New("cannot send a directory")
)

// ErrorCategory represents the category of an error for handling purposes
type ErrorCategory int

const (
	// ErrorCategoryRecoverable indicates errors after which the process keeps running
	ErrorCategoryRecoverable ErrorCategory = iota
	// ErrorCategoryNonRecoverable indicates errors that end the local process
	ErrorCategoryNonRecoverable
	// ErrorCategorySystem indicates configuration or environment problems
	ErrorCategorySystem
)

func (c ErrorCategory) String() string {
	switch c {
	case ErrorCategoryRecoverable:
		return "recoverable"
	case ErrorCategoryNonRecoverable:
		return "non_recoverable"
	case ErrorCategorySystem:
		return "system"
	default:
		return "unknown"
	}
}

// CategorizeError determines the category of an error.
// Unknown errors are treated as non-recoverable: the protocol has no way to
// report them to the peer.
func CategorizeError(err error) ErrorCategory {
	switch {
	case err == nil:
		return ErrorCategoryRecoverable
	case errors.Is(err, ErrChunkIntegrity), errors.Is(err, ErrSequenceGap):
		return ErrorCategoryRecoverable
	case errors.Is(err, ErrInvalidConfiguration):
		return ErrorCategorySystem
	default:
		return ErrorCategoryNonRecoverable
	}
}

// IsFatal reports whether err must terminate the local process.
func IsFatal(err error) bool {
	return err != nil && CategorizeError(err) != ErrorCategoryRecoverable
}

// RetryPolicy controls chunk resends when an ack does not arrive within the
// configured ack timeout.
type RetryPolicy struct {
	MaxRetries    int           `json:"max_retries" mapstructure:"max_retries"`
	InitialDelay  time.Duration `json:"initial_delay" mapstructure:"initial_delay"`
	BackoffFactor float64       `json:"backoff_factor" mapstructure:"backoff_factor"`
	MaxDelay      time.Duration `json:"max_delay" mapstructure:"max_delay"`
}

// DefaultRetryPolicy returns a sensible default retry policy
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries:    3,
		InitialDelay:  time.Second,
		BackoffFactor: 2.0,
		MaxDelay:      30 * time.Second,
	}
}

// GetRetryDelay calculates the delay before the next resend attempt
func (rp *RetryPolicy) GetRetryDelay(retryCount int) time.Duration {
	if retryCount <= 0 {
		return rp.InitialDelay
	}

	delay := rp.InitialDelay
	for i := 0; i < retryCount; i++ {
		delay = time.Duration(float64(delay) * rp.BackoffFactor)
		if delay > rp.MaxDelay {
			return rp.MaxDelay
		}
	}
	return delay
}
