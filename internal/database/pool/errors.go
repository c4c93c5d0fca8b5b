package pool

import "errors"

var (
	// ErrAcquireTimeout is returned when a caller waited AcquireTimeout
	// without receiving a connection.
	ErrAcquireTimeout = errors.New("pool: acquire timeout")
	// ErrPoolExhausted is returned without waiting when the waiting queue is
	// already at MaxWaiters.
	ErrPoolExhausted = errors.New("pool: exhausted")
	// ErrRecoveryInProgress is returned to waiters drained by EmergencyRecovery.
	ErrRecoveryInProgress = errors.New("pool: emergency recovery in progress")
	// ErrPoolClosed is returned once Close has been called.
	ErrPoolClosed = errors.New("pool: closed")
)
