package engine

import "github.com/pkg/errors"

// ErrUnknownSession is returned when a request names a session the engine
// has no presence record for.
var ErrUnknownSession = errors.New("unknown session for document")

// ErrEngineFatal marks unexpected state corruption during a flush. The
// engine recovers by dropping the batch and remains available for
// further requests.
var ErrEngineFatal = errors.New("engine fatal error during flush")

// ErrEngineStopped is returned by any request made after the engine's
// actor loop has been evicted/shut down.
var ErrEngineStopped = errors.New("engine stopped")
