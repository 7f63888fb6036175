package config

import "errors"

// ErrInvalidConfig is returned when a table is missing a required sequence
// column, has an unsupported delta-column layout, or otherwise fails
// validation. It is raised at first insert and is fatal to that statement
// only.
var ErrInvalidConfig = errors.New("deltatable: invalid table configuration")
