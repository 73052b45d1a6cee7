package grid

import (
	"errors"
	"time"
)

// Config holds all engine parameters. All values are immutable after the
// cache has been created.
type Config struct {
	// Timeout bounds every blocking operation.
	Timeout time.Duration

	// MaxItemSize is the largest allowed line payload in bytes.
	MaxItemSize int

	// CompareBeforeWrite skips the version bump when a write is
	// byte-identical to the line's current content. The line is still
	// marked modified and backed up, since taking exclusivity sets the flag.
	CompareBeforeWrite bool

	// ReuseLines / ReuseSharerSets enable free-list pooling of line
	// records and sharer sets.
	ReuseLines      bool
	ReuseSharerSets bool

	// RollbackSupported enables the transaction rollback journal.
	RollbackSupported bool

	// MaxCapacity is the weighted capacity of the shared-replica table
	// (weight of a line = 1 + payload size).
	MaxCapacity int64

	// Synchronous mode is declared but not implemented; requesting it is
	// an initialization error.
	Synchronous bool
}

// DefaultConfig returns the defaults used throughout the test suites.
func DefaultConfig() Config {
	return Config{
		Timeout:            200000 * time.Millisecond,
		MaxItemSize:        1024,
		CompareBeforeWrite: true,
		ReuseLines:         true,
		ReuseSharerSets:    false,
		RollbackSupported:  true,
		MaxCapacity:        100000,
	}
}

// validate checks the configuration at cache creation time.
func (c *Config) validate() error {
	if c.Synchronous {
		return errors.New("grid: synchronous mode has not been implemented yet")
	}
	if c.Timeout <= 0 {
		return errors.New("grid: timeout must be positive")
	}
	if c.MaxItemSize <= 0 {
		return errors.New("grid: maxItemSize must be positive")
	}
	if c.MaxCapacity <= 0 {
		return errors.New("grid: maxCapacity must be positive")
	}
	return nil
}
