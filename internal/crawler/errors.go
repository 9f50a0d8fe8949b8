package crawler

import (
	"errors"
	"fmt"
)

// Error kinds reported by the engine. Wrap them with fmt.Errorf and test with errors.Is.
var (
	ErrFetch          = errors.New("fetch failed")
	ErrRobotsFetch    = errors.New("robots.txt fetch failed")
	ErrCallback       = errors.New("visitor callback failed")
	ErrConfiguration  = errors.New("invalid configuration")
	ErrAlreadyStarted = errors.New("controller already started")
)

// ConfigError reports an invalid configuration field.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrConfiguration.
func (e *ConfigError) Unwrap() error {
	return ErrConfiguration
}

func configErrorf(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// FetchError describes a failed fetch, including unexpected HTTP statuses.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
}

// Unwrap exposes both ErrFetch and the underlying cause.
func (e *FetchError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrFetch, e.Err}
	}
	return []error{ErrFetch}
}
