package transport

import (
	"github.com/juju/errors"
)

const (
	// ErrConnectionClosed means the call was not answered because the backend
	// connection is gone: lost, reconnecting, exhausted, or closed by Close.
	ErrConnectionClosed = errors.ConstError("backend connection closed")

	// ErrTimeout means the call did not complete within the per-call timeout.
	ErrTimeout = errors.ConstError("backend call timed out")

	// ErrNotConnected is returned by Send before Connect succeeded.
	ErrNotConnected = errors.ConstError("backend not connected")
)
