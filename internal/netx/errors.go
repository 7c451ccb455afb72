package netx

import "errors"

// ErrTransient marks a failure worth retrying on the same or another
// connection.
var ErrTransient = errors.New("transient socket failure")

// ErrRetryLimit marks a permanent failure: the retry budget is spent or no
// verification path matched.
var ErrRetryLimit = errors.New("socket retry limit reached")

// ErrNoProtocolLeft is returned when every candidate TLS protocol version
// has been tried, or a pinned version failed.
var ErrNoProtocolLeft = errors.New("no tls protocol left to try")

// ErrWriteTimeout is returned when a write batch stalls past its timer.
var ErrWriteTimeout = errors.New("connection write timed out")

// ErrConnectionBroken is returned when a read fails mid-stream.
var ErrConnectionBroken = errors.New("connection broken")
