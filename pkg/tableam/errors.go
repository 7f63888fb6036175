package tableam

import "errors"

// ErrUnsupported is returned by operations this append-only access method
// never implements: in-place update, and any tuple lock mode that implies
// one.
var ErrUnsupported = errors.New("deltatable: operation not supported on an append-only table")
