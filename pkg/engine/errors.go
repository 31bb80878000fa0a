package engine

import "github.com/pkg/errors"

// Error kinds surfaced by the engine. Components wrap these with context via
// pkg/errors; callers test with errors.Is.
var (
	// ErrTransport covers connect, read, TLS and timeout failures.
	ErrTransport = errors.New("transport error")
	// ErrUpstreamServer covers 5xx and retry-classed JSON-RPC failures.
	ErrUpstreamServer = errors.New("upstream server error")
	// ErrUpstreamUser is an explicit user error, surfaced verbatim.
	ErrUpstreamUser = errors.New("upstream user error")
	// ErrMethodNotSupported marks an (upstream, method) pair as unservable.
	ErrMethodNotSupported = errors.New("method not supported")
	// ErrNotFound reports an expected absence, distinct from failure.
	ErrNotFound = errors.New("not found")
	// ErrSyncTransitionRequired means the verifier lacks a sync period.
	ErrSyncTransitionRequired = errors.New("sync transition required")
	// ErrResourceExhausted means no remaining upstream or a full cache queue.
	ErrResourceExhausted = errors.New("resource exhausted")
	// ErrClientGone means the inbound connection closed.
	ErrClientGone = errors.New("client disconnected")
	// ErrDeadline means the per-request deadline fired.
	ErrDeadline = errors.New("request deadline exceeded")
	// ErrFatal covers malformed configuration and unrecoverable loop failures.
	ErrFatal = errors.New("fatal error")
)

// Retryable reports whether an error kind may succeed on another upstream.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrUpstreamServer)
}
