package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors carry no infrastructure dependency.

var (
	// Submission errors
	ErrInvalidDeadline   = errors.New("deadline must be in the future")
	ErrPriceBelowMinimum = errors.New("price below protocol minimum ask")
	ErrUnknownProtocol   = errors.New("protocol has no registered asset")
	ErrInvalidURL        = errors.New("task url is empty")
	ErrInvalidVK         = errors.New("task verifying key is empty")
	ErrInvalidInputData  = errors.New("task input data is empty")

	// Lifecycle errors
	ErrInvalidTaskID          = errors.New("task id out of range")
	ErrTaskNotOpen            = errors.New("task is not open for assignment")
	ErrTaskNotAssigned        = errors.New("task is not assigned")
	ErrTaskExpired            = errors.New("task deadline has passed")
	ErrNotAssignedMiner       = errors.New("caller is not the assigned miner")
	ErrNotClient              = errors.New("caller is not the task client")
	ErrInsufficientCollateral = errors.New("miner collateral below half the task price")

	// Ledger errors
	ErrInsufficientAvailable       = errors.New("insufficient available balance")
	ErrInsufficientLocked          = errors.New("insufficient locked balance")
	ErrInsufficientExternalBalance = errors.New("insufficient external balance")
	ErrStakeTooLow                 = errors.New("stake below protocol minimum")
	ErrInvalidAmount               = errors.New("amount must be positive")
	ErrAmountOverflow              = errors.New("amount overflows balance")

	// Administration errors
	ErrNotAdmin      = errors.New("caller is not an administrator")
	ErrInvalidAsset  = errors.New("asset id is empty")
	ErrInvalidCaller = errors.New("caller identity is empty")

	// ErrInvariant marks a broken internal invariant. Operations returning it
	// are aborted without any state change.
	ErrInvariant = errors.New("market invariant violated")
)
