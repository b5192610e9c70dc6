// Package errs defines the error taxonomy shared across the pipeline. These are
// kinds, not wrapper types: callers compare with errors.Is against the
// sentinels below, and wrap them with context via fmt.Errorf("...: %w", ...).
package errs

import "errors"

var (
	// ErrNotSupported is returned by a VenueAdapter method that has no
	// implementation for the requested operation. Dispatcher treats this as
	// a configuration error, never as a runnable branch.
	ErrNotSupported = errors.New("operation not supported by venue adapter")

	// ErrStaleData means a book or fee schedule was too old to use.
	// Detection treats this as "skip", not as an error to propagate.
	ErrStaleData = errors.New("stale data")

	// ErrCrossedBook means a venue reported bid >= ask; rejected on intake.
	ErrCrossedBook = errors.New("crossed order book")

	// ErrSafetyTripped means the global kill-switch is active.
	ErrSafetyTripped = errors.New("safety kill-switch active")

	// ErrAutoTradeDisabled means the master trading switch is off.
	ErrAutoTradeDisabled = errors.New("auto-trade disabled")

	// ErrBelowThreshold means a signal's net profit no longer clears the
	// effective threshold at dispatch time.
	ErrBelowThreshold = errors.New("below effective profit threshold")

	// ErrSlippage means a slippage re-check at dispatch time invalidated the
	// signalled opportunity. Not counted as a trade loss.
	ErrSlippage = errors.New("slippage invalidated opportunity")

	// ErrStrandedPosition means a compensating undo failed after a partial
	// or one-sided fill; the position is unhedged and needs an operator.
	ErrStrandedPosition = errors.New("stranded position: compensating undo failed")

	// ErrPersistentStateCorrupt means the durable settings document could
	// not be parsed on load.
	ErrPersistentStateCorrupt = errors.New("persistent state corrupt")

	// ErrConfigInvalid means the process configuration failed validation.
	ErrConfigInvalid = errors.New("configuration invalid")

	// ErrNoOpportunity means the calculator found no pair meeting the
	// acceptance criteria.
	ErrNoOpportunity = errors.New("no arbitrage opportunity")

	// ErrVenueReject models a 4xx-class venue rejection (insufficient
	// balance, min-notional, etc). Dispatcher treats this as terminal.
	ErrVenueReject = errors.New("venue rejected order")
)
