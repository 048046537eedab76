package sentinel

import "errors"

// Sentinel errors for infrastructure facts. The buffer, publisher and broker
// adapters return these (optionally wrapped) so callers can branch with
// errors.Is without knowing which backend produced them.
//
// - ErrUnavailable: the broker or a local resource is temporarily unreachable
// - ErrInvalidState: a component was asked to do something its lifecycle forbids
// - ErrNotFound: a destination or file does not exist
// - ErrClosed: the component has been shut down
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
	ErrClosed       = errors.New("closed")
)
