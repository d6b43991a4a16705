package bitswap

import (
	"github.com/cockroachdb/errors"

	"blockswap/network/wantlist"
)

var (
	// ErrProviderNotFound: no candidate held the block and discovery is exhausted.
	ErrProviderNotFound = errors.New("no provider found for block")
	// ErrTimeout: candidates existed but none delivered before the deadline.
	ErrTimeout = errors.New("block request timed out")
	// ErrIntegrityMismatch: a payload did not hash to the requested id.
	ErrIntegrityMismatch = errors.New("block payload does not match its id")
	// ErrBandwidthExceeded: the local bandwidth budget refused a transfer.
	ErrBandwidthExceeded = errors.New("bandwidth limit exceeded")
	// ErrCircuitOpen: the block or peer is fault-isolated.
	ErrCircuitOpen = errors.New("circuit breaker open")
	// ErrClosed: the engine has shut down.
	ErrClosed = errors.New("exchange engine closed")
	// ErrCanceled is returned to callers whose request was cancelled.
	ErrCanceled = wantlist.ErrCanceled
)
