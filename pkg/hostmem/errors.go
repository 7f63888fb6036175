package hostmem

import "errors"

var errToastNotFound = errors.New("hostmem: toast reference not found")

var errUnconfiguredTable = errors.New("hostmem: no table config registered")
