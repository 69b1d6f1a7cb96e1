package provider

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig rejects malformed priority input (rank < 1 or
	// weight outside [0,1]). No state is mutated when it is returned.
	ErrInvalidConfig = errors.New("invalid priority config")

	// ErrNoProviderAvailable is returned by Route when the segment has
	// no active provider. Callers own the retry policy.
	ErrNoProviderAvailable = errors.New("no provider available")
)

// InvalidConfigError wraps ErrInvalidConfig with the offending values.
func InvalidConfigError(p Provider, rank int, weight float64) error {
	return fmt.Errorf("%w: provider %s rank=%d weight=%.3f", ErrInvalidConfig, p, rank, weight)
}
