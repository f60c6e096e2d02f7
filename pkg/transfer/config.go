package transfer

import (
	"fmt"
	"time"
)

// TransferConfig holds the sender-side protocol settings.
type TransferConfig struct {
	ChunkSize    int `json:"chunk_size" mapstructure:"chunk_size"`
	MaxChunkSize int `json:"max_chunk_size" mapstructure:"max_chunk_size"`
	MinChunkSize int `json:"min_chunk_size" mapstructure:"min_chunk_size"`

	// AckTimeout of zero waits forever for every ack.
	AckTimeout  time.Duration `json:"ack_timeout" mapstructure:"ack_timeout"`
	RetryPolicy *RetryPolicy  `json:"retry_policy" mapstructure:"retry_policy"`
}

const (
	DefaultChunkSize = 999
	MaxChunkSize     = 256 * 1024
	MinChunkSize     = 1
)

// DefaultTransferConfig returns a configuration with sensible defaults
func DefaultTransferConfig() *TransferConfig {
	return &TransferConfig{
		ChunkSize:    DefaultChunkSize,
		MaxChunkSize: MaxChunkSize,
		MinChunkSize: MinChunkSize,
		RetryPolicy:  DefaultRetryPolicy(),
	}
}

// Validate checks if the configuration values are valid
func (tc *TransferConfig) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfiguration}, args...)...)
	}

	if tc.ChunkSize <= 0 {
		return invalid("chunk_size must be positive")
	}
	if tc.MinChunkSize <= 0 {
		return invalid("min_chunk_size must be positive")
	}
	if tc.MaxChunkSize <= 0 {
		return invalid("max_chunk_size must be positive")
	}
	if tc.MinChunkSize > tc.MaxChunkSize {
		return invalid("min_chunk_size cannot be greater than max_chunk_size")
	}
	if !tc.IsValidChunkSize(tc.ChunkSize) {
		return invalid("chunk_size must be between %d and %d", tc.MinChunkSize, tc.MaxChunkSize)
	}
	if tc.AckTimeout < 0 {
		return invalid("ack_timeout cannot be negative")
	}
	if tc.RetryPolicy == nil {
		return invalid("retry_policy cannot be nil")
	}
	if tc.RetryPolicy.MaxRetries < 0 {
		return invalid("retry_policy.max_retries cannot be negative")
	}
	if tc.RetryPolicy.BackoffFactor < 1 {
		return invalid("retry_policy.backoff_factor must be at least 1")
	}
	return nil
}

// IsValidChunkSize checks if a chunk size is within acceptable bounds
func (tc *TransferConfig) IsValidChunkSize(chunkSize int) bool {
	return chunkSize >= tc.MinChunkSize && chunkSize <= tc.MaxChunkSize
}
