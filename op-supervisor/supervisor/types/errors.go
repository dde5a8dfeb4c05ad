package types

import "errors"

// Storage errors (§7 of SPEC_FULL.md). Some of these are normal control
// flow rather than faults. The chain processor does not recover from
// FutureData or ReorgRequired: it logs the failed save and drops the
// derived block.
var (
	ErrConflict                 = errors.New("conflict")
	ErrDatabaseNotInitialised   = errors.New("database not initialised")
	ErrEntryNotFound            = errors.New("entry not found")
	ErrBlockOutOfOrder           = errors.New("block out of order")
	ErrFuture                   = errors.New("future data")
	ErrReorgRequired             = errors.New("reorg required")
	ErrRewindBeyondLocalSafeHead = errors.New("rewind target at or before local safe head")
	ErrLockPoisoned              = errors.New("lock poisoned")
)

// Validation errors (§7). These never cause a process exit; they are
// surfaced to the caller (chain processor or cross-safety promoter) and
// recorded per chain.
var (
	ErrInvalidMessageHash         = errors.New("invalid message hash")
	ErrInvalidMessageOrigin       = errors.New("invalid message origin")
	ErrInvalidMessageTimestamp    = errors.New("invalid message timestamp")
	ErrMessageInFuture            = errors.New("message in future")
	ErrMessageExpired             = errors.New("message expired")
	ErrInitiatedTooEarly          = errors.New("message initiated too early")
	ErrRemoteMessageNotFound      = errors.New("remote message not found")
	ErrCyclicDependency           = errors.New("cyclic dependency")
	ErrTimestampInvariantViolation = errors.New("timestamp invariant violation")
	ErrInitiatingMessageNotFound  = errors.New("initiating message not found")
	ErrDependencyNotSafe          = errors.New("dependency not safe")
)

// Transport and processor errors (§7).
var (
	ErrRPCFailure       = errors.New("rpc failure")
	ErrInvalidJWT       = errors.New("invalid jwt")
	ErrInvalidHeader    = errors.New("invalid authentication header")
	ErrChannelSendFailed = errors.New("channel send failed")
	ErrResetFailed      = errors.New("reset failed")
)

// Reorg handler sentinel (§4.7): the activation block itself is not
// canonical on L1, so no common ancestor can be found by walking back.
var ErrRewindTargetPreInterop = errors.New("rewind target is pre-interop")
