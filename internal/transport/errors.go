package transport

import "github.com/pkg/errors"

// errSinkFull is returned by Conn.Send when the outbound buffer is full.
// The hub treats it like any send error: remove the sink, disconnect the
// session.
var errSinkFull = errors.New("sink send buffer full")
