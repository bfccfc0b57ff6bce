package billing

import "errors"

var (
	// ErrInvoiceNotFound is returned when a referenced invoice doesn't exist.
	ErrInvoiceNotFound = errors.New("invoice not found")

	// ErrLineItemNotFound is returned when an invoice has no fee line item.
	ErrLineItemNotFound = errors.New("line item not found")

	// ErrInvoiceVoid is returned when writing against a voided invoice.
	ErrInvoiceVoid = errors.New("invoice is void")

	// ErrDuplicateAdjustment is returned when an adjustment idempotency key
	// already exists. Expected on retries.
	ErrDuplicateAdjustment = errors.New("duplicate adjustment idempotency key")
)
