package config

import (
	"errors"
	"fmt"
)

var ErrMissing = errors.New("missing required config")

// MustNonEmpty returns ErrMissing naming envName when value is empty.
func MustNonEmpty(value, envName string) error {
	if value == "" {
		return fmt.Errorf("%w: %s", ErrMissing, envName)
	}
	return nil
}
