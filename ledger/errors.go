/*
errors.go - Centralized error types for the ledger engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers wrap these with context and test them with errors.Is/errors.As.

ERROR CATEGORIES:
  1. Validation errors - Abort the replay or ingestion, never swallowed
  2. External errors   - Absorbed by the ingestion fallback chain
  3. Store errors      - Conflicts are retried, the rest surface
  4. Informational     - Data accepted but flagged (minimal records)

SEE ALSO:
  - replay.go: ReplayError
  - ingest/errors.go: ParseError, FetchError
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidAmount is returned for zero or negative amounts.
	ErrInvalidAmount = errors.New("invalid amount: must be greater than zero")

	// ErrUnknownEntryKind is returned for a kind outside the closed enum.
	ErrUnknownEntryKind = errors.New("unknown entry kind")

	// ErrUnresolvedTransfer marks a transfer whose counterpart leg could not
	// be found. Warning-level: replay treats the leg as outgoing.
	ErrUnresolvedTransfer = errors.New("unresolved transfer")

	// ErrExternalFetchFailed is returned when the external API could not
	// deliver a record. Retryable through the ingestion fallback chain.
	ErrExternalFetchFailed = errors.New("external fetch failed")

	// ErrPersistenceConflict is returned when an optimistic version check
	// fails because the row changed concurrently.
	ErrPersistenceConflict = errors.New("persistence conflict: concurrent modification detected")

	// ErrMinimalRecordCreated is informational: the event was stored as an
	// incomplete record that needs a later sync.
	ErrMinimalRecordCreated = errors.New("minimal record created")

	// ErrWalletNotFound is returned when a referenced wallet doesn't exist.
	ErrWalletNotFound = errors.New("wallet not found")

	// ErrEntryNotFound is returned when a referenced entry doesn't exist.
	ErrEntryNotFound = errors.New("entry not found")

	// ErrDuplicateExternalID is returned when an active entry already holds
	// the (source, external id) key.
	ErrDuplicateExternalID = errors.New("duplicate external id")

	// ErrInsufficientFunds is returned when a manual posting would take a
	// wallet below its floor.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrWalletMismatch is returned when an entry does not belong to the
	// wallet being replayed.
	ErrWalletMismatch = errors.New("entry belongs to another wallet")

	// ErrPendingSyncNotFound is returned when no retry stub exists for a key.
	ErrPendingSyncNotFound = errors.New("pending sync not found")

	// ErrInvalidInput is returned for missing or malformed request fields.
	ErrInvalidInput = errors.New("invalid input")

	// ErrFindingNotFound is returned when a repair selects a finding id that
	// the diagnostic report does not contain.
	ErrFindingNotFound = errors.New("finding not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// EntryError ties a validation failure to the offending entry.
type EntryError struct {
	EntryID EntryID
	Err     error
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("entry %s: %v", e.EntryID, e.Err)
}

func (e *EntryError) Unwrap() error { return e.Err }

// InsufficientFundsError provides details about a rejected posting.
type InsufficientFundsError struct {
	WalletID  WalletID
	Projected string
	Floor     string
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds in wallet %s: projected balance %s below floor %s",
		e.WalletID, e.Projected, e.Floor)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPersistenceConflict) || errors.Is(err, ErrExternalFetchFailed)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrUnknownEntryKind) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrDuplicateExternalID) ||
		errors.Is(err, ErrWalletMismatch) ||
		errors.Is(err, ErrFindingNotFound) ||
		errors.Is(err, ErrInvalidInput)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrWalletNotFound) ||
		errors.Is(err, ErrEntryNotFound) ||
		errors.Is(err, ErrPendingSyncNotFound)
}
