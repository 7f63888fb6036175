package engine

import "errors"

// ErrRowNotFound is returned when a delete or fetch targets a location the
// host page store no longer has.
var ErrRowNotFound = errors.New("deltatable: row not found")

// ErrGroupNotFound is returned when a sequential scan for a (group, seq)
// pair exhausts the table without finding it — a corrupted SeqCache
// reverse-mapping or a caller-supplied sequence that was never inserted.
var ErrGroupNotFound = errors.New("deltatable: group/sequence not found in table")

// ErrVersionNotIncreasing is returned when an insert's order-by column value
// is not strictly greater than the current max for its group. Raised
// pre-insert; fatal to that statement only.
var ErrVersionNotIncreasing = errors.New("deltatable: order-by value does not strictly increase within its group")
