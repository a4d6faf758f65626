package store

import "errors"

// ErrReadOnlyTransaction is returned by any mutating call made through the
// Transaction handed to Store.Resources.
var ErrReadOnlyTransaction = errors.New("transaction is read-only")
