package circuit

import (
	"errors"
	"fmt"
	"time"
)

// ErrOpen matches every *OpenError.
var ErrOpen = errors.New("circuit breaker open")

// OpenError is returned when a breaker refuses a call.
type OpenError struct {
	Resource   string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker for %s is open", e.Resource)
}

// Is reports whether target is ErrOpen.
func (e *OpenError) Is(target error) bool {
	return target == ErrOpen
}

// RetryAfter extracts the remaining wait from an OpenError chain.
func RetryAfter(err error) (time.Duration, bool) {
	var openErr *OpenError
	if errors.As(err, &openErr) {
		return openErr.RetryAfter, true
	}
	return 0, false
}
