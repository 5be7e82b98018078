package providers

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type timeoutGenerator struct {
	next    Generator
	timeout time.Duration
}

// WithTimeout bounds every call to next. Deadline expiry is reported as
// ErrGenerationTimeout and any other error as ErrGenerationFailure, so
// callers can use errors.Is without knowing the transport.
func WithTimeout(next Generator, timeout time.Duration) Generator {
	return &timeoutGenerator{next: next, timeout: timeout}
}

func (g *timeoutGenerator) Generate(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		text, err := g.next.Generate(ctx, prompt, maxTokens, temperature)
		done <- result{text: text, err: err}
	}()

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w after %s", ErrGenerationTimeout, g.timeout)
		}
		return "", fmt.Errorf("%w: %v", ErrGenerationFailure, ctx.Err())
	case r := <-done:
		return classify(r.text, r.err)
	}
}

func classify(text string, err error) (string, error) {
	switch {
	case err == nil:
		return text, nil
	case errors.Is(err, ErrGenerationTimeout), errors.Is(err, ErrGenerationFailure):
		return "", err
	case errors.Is(err, context.DeadlineExceeded):
		return "", fmt.Errorf("%w: %v", ErrGenerationTimeout, err)
	default:
		return "", fmt.Errorf("%w: %v", ErrGenerationFailure, err)
	}
}
