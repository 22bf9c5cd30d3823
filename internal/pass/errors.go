package pass

import "errors"

var (
	// ErrNotFound means a season, user or claim is absent.
	ErrNotFound = errors.New("pass: not found")
	// ErrInvalidState is a business-rule violation reported to the caller and never retried.
	ErrInvalidState = errors.New("pass: invalid state")
	// ErrOverload means too many claims are in flight; callers should back off.
	ErrOverload = errors.New("pass: overloaded")
	// ErrConflict is a duplicate delivery. It is swallowed by the layer that detects it.
	ErrConflict = errors.New("pass: conflict")
	// ErrUpstream wraps chain RPC and signer failures.
	ErrUpstream = errors.New("pass: upstream failure")
	// ErrMalformed means an upstream answered but its body could not be decoded.
	ErrMalformed = errors.New("pass: malformed upstream response")
)
