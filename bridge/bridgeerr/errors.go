// Package bridgeerr holds the sentinel errors the bridging handler
// returns, mirroring the kind table in spec.md §7. Kept as small
// sentinel values rather than an enum of negative ints, since Go
// callers check with errors.Is.
package bridgeerr

import "errors"

var (
	ErrInvalidArg   = errors.New("bridge: invalid argument")
	ErrInvalidState = errors.New("bridge: invalid state")
	ErrInvalidSize  = errors.New("bridge: invalid size")
	ErrNoMem        = errors.New("bridge: no memory")
	ErrNotFound     = errors.New("bridge: not found")
	ErrTimeout      = errors.New("bridge: timeout")
	ErrCRC          = errors.New("bridge: crc check failed")
	ErrSend         = errors.New("bridge: send failed")
	ErrResponse     = errors.New("bridge: unexpected response")
)
