package scandb

import "errors"

// ErrNotFound is returned when an info key or scan data column does not exist.
var ErrNotFound = errors.New("scandb: not found")
