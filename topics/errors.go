package topics

import (
	"errors"
)

var (
	// ErrInvalidArgs invalid arguments provided
	ErrInvalidArgs = errors.New("topics: invalid arguments")
)
