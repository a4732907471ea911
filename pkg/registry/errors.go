package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/platinummonkey/tether/pkg/compatibility"
	"github.com/platinummonkey/tether/pkg/storage"
)

var (
	// ErrStoreUnavailable is returned when the schema store fails or keeps
	// losing conditional appends
	ErrStoreUnavailable = errors.New("schema store unavailable")
	// ErrInvalidArgument is returned for empty names and invalid policies
	ErrInvalidArgument = errors.New("invalid argument")
)

// expected reports whether err is one of the outcomes callers act on, as
// opposed to an I/O failure of the store
func expected(err error) bool {
	return errors.Is(err, storage.ErrNotFound) ||
		errors.Is(err, storage.ErrGroupExists) ||
		errors.Is(err, storage.ErrConflict) ||
		errors.Is(err, storage.ErrCodecNotRegistered) ||
		errors.Is(err, compatibility.ErrMalformedSchema) ||
		errors.Is(err, compatibility.ErrUnsupportedFormat) ||
		errors.Is(err, compatibility.ErrFormatMismatch) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// storeError annotates a store failure with the operation, classifying
// unexpected failures as ErrStoreUnavailable
func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	if expected(err) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
