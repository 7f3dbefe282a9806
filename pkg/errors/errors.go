package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error by how callers must react to it.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindPrecondition Kind = "precondition"
	KindTransient    Kind = "transient"
	KindFatal        Kind = "fatal"
)

// Error carries a stable reason code that is safe to hand to players.
type Error struct {
	Kind Kind
	Code string
	Msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.err
}

func newError(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

var (
	// validation
	ErrInvalidAmount        = newError(KindValidation, "invalid_amount", "stake amount is invalid")
	ErrInvalidExit          = newError(KindValidation, "invalid_exit", "auto exit must be 1.01 or greater")
	ErrInvalidGame          = newError(KindValidation, "invalid_game", "unknown game")
	ErrInvalidStep          = newError(KindValidation, "invalid_step", "scheduled step payload is invalid")
	ErrInvalidWalletPayload = newError(KindValidation, "invalid_wallet_payload", "invalid wallet payload")
	ErrExitNotSupported     = newError(KindValidation, "exit_not_supported", "game does not support early exit")

	// precondition
	ErrUnauthorized        = newError(KindPrecondition, "unauthorized", "unauthorized")
	ErrInvalidCredentials  = newError(KindPrecondition, "invalid_credentials", "invalid username or password")
	ErrOperatorDisabled    = newError(KindPrecondition, "operator_disabled", "operator account is disabled")
	ErrRoundNotFound       = newError(KindPrecondition, "round_not_found", "round not found")
	ErrRoundInProgress     = newError(KindPrecondition, "round_in_progress", "a round is already in progress")
	ErrBettingClosed       = newError(KindPrecondition, "betting_closed", "betting window is closed")
	ErrRoundNotRunning     = newError(KindPrecondition, "round_not_running", "round is not running")
	ErrRoundCrashed        = newError(KindPrecondition, "round_crashed", "round already crashed")
	ErrRoundNotAborted     = newError(KindPrecondition, "round_not_aborted", "round is not aborted")
	ErrIllegalTransition   = newError(KindPrecondition, "illegal_transition", "illegal phase transition")
	ErrMissingCommitment   = newError(KindPrecondition, "missing_commitment", "round has no seed commitment")
	ErrStaleStep           = newError(KindPrecondition, "stale_step", "scheduled step is stale or duplicated")
	ErrDuplicateStake      = newError(KindPrecondition, "duplicate_stake", "participant already has a stake in this round")
	ErrStakeNotFound       = newError(KindPrecondition, "stake_not_found", "no active stake found")
	ErrInsufficientBalance = newError(KindPrecondition, "insufficient_balance", "insufficient balance")
	ErrStakeLimit          = newError(KindPrecondition, "stake_limit", "stake is outside the allowed limits")
	ErrRiskConfigInvalid   = newError(KindPrecondition, "risk_config_invalid", "stakes are suspended")
	ErrEngineDisabled      = newError(KindPrecondition, "engine_disabled", "engine is disabled")
	ErrNotRevealed         = newError(KindPrecondition, "not_revealed", "round has not been revealed yet")

	// transient
	ErrStepBusy   = newError(KindTransient, "step_busy", "round step is being processed")
	ErrStepNotDue = newError(KindTransient, "step_not_due", "round step is not due yet")

	// fatal
	ErrNegativePool    = newError(KindFatal, "negative_pool", "prize pool went negative")
	ErrLedgerMismatch  = newError(KindFatal, "ledger_mismatch", "settlement does not reconcile")
	ErrSettlementState = newError(KindFatal, "settlement_state", "settlement reached an impossible state")
)

// Transient marks an infrastructure failure that is safe to redeliver.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: KindTransient, Code: "transient", Msg: "temporarily unavailable", err: err}
}

// Fatal marks an integrity failure; the round must not be chained further.
func Fatal(code string, err error) error {
	return &Error{Kind: KindFatal, Code: code, Msg: "integrity failure", err: err}
}

// KindOf reports the kind of err. Untyped errors are treated as transient
// because they come from the store or the network.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal"
}

// PublicMessage hides infrastructure and integrity details from players.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && (e.Kind == KindValidation || e.Kind == KindPrecondition) {
		return e.Msg
	}
	return "service temporarily unavailable"
}
