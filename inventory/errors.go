/*
errors.go - Error types for the reconciliation engine

ERROR CATEGORIES:
  1. Validation errors - malformed input, rejected before any read or write
  2. Accounting errors - the dispense ledger consumed more than the pool
     ever received; the run halts and nothing is committed
  3. Transaction errors - the store rejected the commit; safe to retry
  4. Lookup errors - referenced pool, vial or check does not exist

A discrepancy between physical and system counts is NOT an error. It is a
persisted check status.

USAGE:
  report, err := engine.Reconcile(ctx, "cb-30ml", inventory.ReconcileOptions{})
  var acct *inventory.AccountingError
  if errors.As(err, &acct) {
      log.Printf("dispense %d short by %s ml", acct.DispenseID, acct.ShortfallML)
  }
*/
package inventory

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is the root of all input validation failures.
	ErrValidation = errors.New("validation failed")

	// ErrAccounting is returned when dispense history exceeds received stock.
	ErrAccounting = errors.New("fatal accounting error")

	// ErrTransactionFailed is returned when the store cannot commit.
	ErrTransactionFailed = errors.New("transaction failed")

	// ErrPoolNotFound is returned for an unknown pool id.
	ErrPoolNotFound = errors.New("pool not found")

	// ErrVialNotFound is returned for an unknown vial label or id.
	ErrVialNotFound = errors.New("vial not found")

	// ErrCheckNotFound is returned when no check exists for a (day, type).
	ErrCheckNotFound = errors.New("check not found")

	// ErrDuplicateLabel is returned when a vial label is already taken.
	ErrDuplicateLabel = errors.New("duplicate vial label")

	// ErrNoStock is returned when a dispense cannot be attributed because the
	// pool has no vial with remaining volume.
	ErrNoStock = errors.New("no vial with remaining volume")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// AccountingError identifies the dispense event that pushed cumulative
// consumption past the pool's received volume.
type AccountingError struct {
	PoolID      PoolID
	DispenseID  DispenseID
	RequestedML decimal.Decimal // dispensed + waste of the offending event
	ShortfallML decimal.Decimal // volume that could not be placed in any vial
	ReceivedML  decimal.Decimal // total nominal volume of the pool
}

func (e *AccountingError) Error() string {
	return fmt.Sprintf("pool %s: dispense %d requested %s ml, shortfall %s ml (pool received %s ml)",
		e.PoolID, e.DispenseID, e.RequestedML.StringFixed(3), e.ShortfallML.StringFixed(3), e.ReceivedML.StringFixed(3))
}

func (e *AccountingError) Unwrap() error {
	return ErrAccounting
}

// TransactionError wraps a store failure. The whole operation was rolled back.
type TransactionError struct {
	Op  string
	Err error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransactionError) Unwrap() []error {
	return []error{ErrTransactionFailed, e.Err}
}

// wrapTx classifies a WithTx failure. Domain errors pass through untouched.
func wrapTx(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsClientError(err) || IsNotFound(err) || errors.Is(err, ErrAccounting) || errors.Is(err, ErrTransactionFailed) {
		return err
	}
	return &TransactionError{Op: op, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransactionFailed)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrDuplicateLabel) ||
		errors.Is(err, ErrNoStock)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrPoolNotFound) ||
		errors.Is(err, ErrVialNotFound) ||
		errors.Is(err, ErrCheckNotFound)
}
