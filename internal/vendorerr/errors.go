// Package vendorerr defines the sentinel errors shared across the
// ingestion, enrichment, and HTTP layers. Components wrap these with
// fmt.Errorf("...: %w", err) and callers match them with errors.Is.
package vendorerr

import "errors"

var (
	// Per-record errors. Never surfaced to HTTP callers; the record is
	// dropped without logging and no count is kept.
	ErrMalformedSymbol = errors.New("malformed symbol")
	ErrMissingField    = errors.New("missing required field")
	ErrBadPrice        = errors.New("bad price")

	// Spot oracle.
	ErrNotAvailable = errors.New("not available")

	// Vendor-facing request errors. These DO propagate to HTTP callers.
	ErrVendorUnauthorized = errors.New("vendor unauthorized")
	ErrVendorRateLimited  = errors.New("vendor rate limited")
	ErrVendorTimeout      = errors.New("vendor timeout")

	// HTTP-facing errors.
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation error")
)
