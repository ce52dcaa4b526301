package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores wrap driver errors in these
// so services can decide on policy (fail open, skip, translate) without knowing
// which backend produced them.
//
//   - ErrNotFound: entry does not exist in the store
//   - ErrConflict: entry already exists
//   - ErrUnavailable: backend (Redis, Postgres, Kafka) unreachable or timing out
//   - ErrInvalidState: entry in the wrong state for the requested operation
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrUnavailable  = errors.New("unavailable")
	ErrInvalidState = errors.New("invalid state")
)
