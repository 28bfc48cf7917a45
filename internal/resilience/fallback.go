package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry in a [FallbackGroup] fails or is
// behind an open breaker.
var ErrAllFailed = errors.New("all providers failed")

// FallbackConfig configures the per-entry circuit breaker created for each
// provider in a [FallbackGroup].
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

// entry pairs a provider with its dedicated circuit breaker.
type entry[T any] struct {
	name     string
	provider T
	breaker  *CircuitBreaker
}

// FallbackGroup chains a primary and zero or more fallback instances of the
// same provider type. When the primary fails or its breaker is open, the next
// healthy fallback is tried in registration order. Each entry gets its own
// breaker, so a tripped primary stops eating its timeout on every call while
// the fallbacks serve.
//
// FallbackGroup is safe for concurrent use once assembled; AddFallback is not
// synchronized and belongs in composition, before traffic.
type FallbackGroup[T any] struct {
	entries []entry[T]
	cfg     FallbackConfig
}

// NewFallbackGroup creates a [FallbackGroup] with primary as the first entry.
// Additional providers are registered via [FallbackGroup.AddFallback].
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.append(primaryName, primary)
	return fg
}

// AddFallback appends a fallback provider. Fallbacks are tried in the order
// they were added, after the primary.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	fg.append(name, fallback)
}

func (fg *FallbackGroup[T]) append(name string, provider T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	fg.entries = append(fg.entries, entry[T]{
		name:     name,
		provider: provider,
		breaker:  NewCircuitBreaker(cbCfg),
	})
}

// Execute tries fn against each entry in order until one succeeds. Entries
// with open breakers are skipped. When every entry fails, the returned error
// wraps [ErrAllFailed] together with each entry's failure.
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(fg, func(p T) (struct{}, error) {
		return struct{}{}, fn(p)
	})
	return err
}

// ExecuteWithResult tries fn against each entry in the group until one
// succeeds, returning its result. A package-level function because Go does
// not support method-level type parameters.
func ExecuteWithResult[T any, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		errs []error
		zero R
	)
	for i := range fg.entries {
		e := &fg.entries[i]

		var result R
		err := e.breaker.Execute(func() error {
			var innerErr error
			result, innerErr = fn(e.provider)
			return innerErr
		})
		if err == nil {
			return result, nil
		}

		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping provider, circuit open", "provider", e.name)
		} else {
			slog.Warn("provider failed, trying next", "provider", e.name, "error", err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", e.name, err))
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}
