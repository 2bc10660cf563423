package audiosink

import "errors"

var (
	// ErrNotInitialized is returned when an operation requires a sink that
	// has been created and Init'ed with a chosen format. Recoverable.
	ErrNotInitialized = errors.New("audiosink: sink not initialized")

	// ErrRateOutOfRange is returned by SetPlaySpeed for rates outside
	// [0.5, 2.0]. The previous speed stays in effect. Recoverable.
	ErrRateOutOfRange = errors.New("audiosink: play speed out of range")

	// ErrVolumeOutOfRange is returned by SetVolume for values outside
	// [0.0, 1.0]. The previous volume stays in effect. Recoverable.
	ErrVolumeOutOfRange = errors.New("audiosink: volume out of range")

	// ErrInternal indicates the slot bookkeeping has desynchronized from
	// device reality (capacity mismatch, buffer handle mismatch, pool
	// exhaustion the capacity invariant rules out). Not recoverable; the
	// sink should be destroyed.
	ErrInternal = errors.New("audiosink: internal consistency error")
)
