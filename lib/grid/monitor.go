package grid

import (
	"time"

	"github.com/ValentinKolb/dGC/lib/msg"
)

// DelayReason classifies why pending messages were held before a drain.
type DelayReason uint8

const (
	// DelayOther - the line completed a state transition.
	DelayOther DelayReason = iota
	// DelayBackup - the line's backup completed (MODIFIED cleared).
	DelayBackup
	// DelayLock - the line's transactional lock was released.
	DelayLock
)

func (r DelayReason) String() string {
	switch r {
	case DelayBackup:
		return "backup"
	case DelayLock:
		return "lock"
	default:
		return "other"
	}
}

// Monitor is the engine's metrics sink. A no-op implementation is
// injected when monitoring is disabled.
type Monitor interface {
	AddHit()
	AddStaleHit()
	AddMiss()
	AddInvalidate(sharers int)
	AddStalePurge(count int)
	AddOp(t OpType, duration time.Duration)
	AddMessageSent(t msg.Type)
	AddMessageReceived(t msg.Type)
	AddMessageHandlingDelay(count int, total time.Duration, reason DelayReason)
}

// --------------------------------------------------------------------------
// No-op implementation
// --------------------------------------------------------------------------

type noopMonitor struct{}

// NewNoopMonitor returns a Monitor that discards everything.
func NewNoopMonitor() Monitor {
	return noopMonitor{}
}

func (noopMonitor) AddHit()                                                  {}
func (noopMonitor) AddStaleHit()                                             {}
func (noopMonitor) AddMiss()                                                 {}
func (noopMonitor) AddInvalidate(int)                                        {}
func (noopMonitor) AddStalePurge(int)                                        {}
func (noopMonitor) AddOp(OpType, time.Duration)                              {}
func (noopMonitor) AddMessageSent(msg.Type)                                  {}
func (noopMonitor) AddMessageReceived(msg.Type)                              {}
func (noopMonitor) AddMessageHandlingDelay(int, time.Duration, DelayReason)  {}
