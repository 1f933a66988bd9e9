package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrRegistryUnavailable = errors.New("registry unavailable")
	ErrCycleInProgress     = errors.New("indexing cycle already in progress")
)

// RegistryUnavailableError is returned when every configured endpoint failed
// (or answered empty) for a method.
type RegistryUnavailableError struct {
	Method    string
	Endpoints []string
	Errs      []error
}

func (e *RegistryUnavailableError) Error() string {
	msg := fmt.Sprintf("registry unavailable: %s failed on all endpoints [%s]", e.Method, strings.Join(e.Endpoints, ", "))
	if len(e.Errs) > 0 {
		msg += fmt.Sprintf(": last error: %v", e.Errs[len(e.Errs)-1])
	}
	return msg
}

func (e *RegistryUnavailableError) Is(target error) bool {
	return target == ErrRegistryUnavailable
}

func (e *RegistryUnavailableError) Unwrap() []error {
	return e.Errs
}
