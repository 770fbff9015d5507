package model

import (
	"errors"
	"fmt"
)

// ErrMalformed marks a message that can never be applied. Consumers dead-letter
// these instead of retrying.
var ErrMalformed = errors.New("malformed message")

func missing(field string) error {
	return fmt.Errorf("%w: missing %s", ErrMalformed, field)
}

func invalid(field string, err error) error {
	return fmt.Errorf("%w: invalid %s: %v", ErrMalformed, field, err)
}
