package apperror

import (
	"errors"
	"fmt"
)

var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionConflict    = errors.New("session was modified concurrently")
	ErrStoreUnavailable   = errors.New("store unavailable")
	ErrEligibilityEmpty   = errors.New("no eligible items")
	ErrInvalidKind        = errors.New("invalid session kind")
	ErrAssetNotFound      = errors.New("asset not found")
	ErrQueueEntryNotFound = errors.New("queue entry not found")
	ErrNotProcessing      = errors.New("queue entry is not processing")
	ErrAlreadyQueued      = errors.New("asset already queued")
	ErrNotMigrated        = errors.New("asset has no remote copy")

	// ErrPermanent marks failures that retrying cannot fix (bad credentials,
	// missing bucket, rejected api key).
	ErrPermanent = errors.New("permanent failure")
	// ErrTransient marks failures worth retrying (network, throttling, 5xx).
	ErrTransient = errors.New("transient failure")
)

type classified struct {
	kind error
	err  error
}

func (c *classified) Error() string { return c.err.Error() }

func (c *classified) Unwrap() []error { return []error{c.kind, c.err} }

// Permanent tags err so that errors.Is(err, ErrPermanent) holds.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classified{kind: ErrPermanent, err: err}
}

// Transient tags err so that errors.Is(err, ErrTransient) holds.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classified{kind: ErrTransient, err: err}
}

func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// StoreUnavailable wraps a backend failure seen at the session store boundary.
func StoreUnavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
