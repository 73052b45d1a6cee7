package grid

import (
	"errors"
	"fmt"
)

// ErrTimeout is returned when an operation did not complete within the
// configured timeout.
var ErrTimeout = errors.New("grid: operation timed out")

// ErrNotMaster is returned when a grid operation is attempted on a node
// currently in the slave role. Only Listen is permitted on a slave.
var ErrNotMaster = errors.New("grid: node is a slave, cannot run grid operations")

// RefNotFoundError is returned when an operation targets a non-reserved
// id that has been deleted or never existed.
type RefNotFoundError struct {
	ID int64
}

func (e *RefNotFoundError) Error() string {
	return fmt.Sprintf("grid: ref %x not found", e.ID)
}

// SizeExceededError is returned synchronously for writes whose payload
// exceeds the configured MaxItemSize.
type SizeExceededError struct {
	Size, Max int
}

func (e *SizeExceededError) Error() string {
	return fmt.Sprintf("grid: data size is %d bytes and exceeds the limit of %d bytes", e.Size, e.Max)
}

// errIrrelevantState signals that an inbound message arrived in a state
// it is not defined for; the message is logged and discarded.
var errIrrelevantState = errors.New("grid: message irrelevant in current state")
