package ingest

import (
	"errors"
	"fmt"

	"github.com/warp/wallet-ledger/ledger"
)

var (
	// ErrUnrecognizedEvent is returned for event names outside the known
	// set. The webhook acknowledges and ignores them.
	ErrUnrecognizedEvent = errors.New("unrecognized event")

	// ErrMalformedPayload is returned when an envelope or its data cannot
	// be decoded.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrSaleNotFound is returned by a SalesAPI when the sale doesn't exist.
	ErrSaleNotFound = errors.New("sale not found")
)

// ParseError describes why an envelope could not be turned into an event.
type ParseError struct {
	Event string
	Field string // Empty when the whole payload is unusable
	Err   error  // ErrUnrecognizedEvent or ErrMalformedPayload, possibly wrapped
}

func (e *ParseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("parse %q: field %s: %v", e.Event, e.Field, e.Err)
	}
	return fmt.Sprintf("parse %q: %v", e.Event, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// FetchStage names the step of the fallback chain that failed.
type FetchStage string

const (
	StageDirect  FetchStage = "direct"
	StageListing FetchStage = "listing"
	StageMinimal FetchStage = "minimal"
)

// FetchError is one failed step of the fallback chain. It matches both
// ledger.ErrExternalFetchFailed and its cause.
type FetchError struct {
	Stage  FetchStage
	SaleID string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch sale %s (%s): %v", e.SaleID, e.Stage, e.Err)
}

func (e *FetchError) Unwrap() []error { return []error{ledger.ErrExternalFetchFailed, e.Err} }
