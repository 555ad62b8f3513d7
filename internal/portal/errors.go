package portal

import (
	"errors"
	"fmt"
)

var (
	ErrAuth     = errors.New("portal: authentication failed")
	ErrNotFound = errors.New("portal: not found")
	ErrNetwork  = errors.New("portal: network error")
)

// StatusError is returned for query responses with an unexpected status code.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("portal: %s failed (status=%d)", e.Op, e.Code)
	}
	return fmt.Sprintf("portal: %s failed (status=%d): %s", e.Op, e.Code, e.Body)
}
