package store

import "github.com/pkg/errors"

// ErrStoreIO is the sentinel wrapped by any filesystem failure during
// Load/Save/Create.
var ErrStoreIO = errors.New("document store i/o failure")

// ErrNotFound names the "no snapshot for this id" outcome. FileStore.Load
// does not return it: a missing record is reported as (nil, nil), which
// the caller (the engine) turns into a freshly created document.
var ErrNotFound = errors.New("document not found")
