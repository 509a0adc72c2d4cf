package models

import "errors"

// ErrConfiguration classifies fatal load-time errors: duplicate role names,
// unknown provider kinds, dangling insertion points, an unopenable embedded
// store. Execution must not start when one is returned, and nothing retries
// them.
var ErrConfiguration = errors.New("configuration error")

// IsConfigurationError reports whether err belongs to the load-time
// configuration error class.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrConfiguration)
}
