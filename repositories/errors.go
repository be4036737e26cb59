package repositories

import "errors"

// ErrNotFound is returned (wrapped) when a lookup matches no row
var ErrNotFound = errors.New("not found")
