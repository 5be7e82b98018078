package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dotsetgreg/dotrag/pkg/logger"
)

// QueryAnalyzer classifies a query given recent history.
type QueryAnalyzer interface {
	Name() string
	Analyze(ctx context.Context, query string, history []Turn) (Analysis, error)
}

// fallbackDiscount scales confidence when the primary analyzer failed and
// the fallback produced the result.
const fallbackDiscount = 0.9

// FallbackAnalyzer tries Primary under Timeout and falls back to Fallback on
// error or timeout. A nil Primary goes straight to Fallback.
type FallbackAnalyzer struct {
	Primary  QueryAnalyzer
	Fallback QueryAnalyzer
	Timeout  time.Duration
}

func NewFallbackAnalyzer(primary QueryAnalyzer, timeout time.Duration) *FallbackAnalyzer {
	return &FallbackAnalyzer{Primary: primary, Fallback: NewPatternAnalyzer(), Timeout: timeout}
}

func (f *FallbackAnalyzer) Name() string {
	if f.Primary == nil {
		return f.Fallback.Name()
	}
	return f.Primary.Name() + "+" + f.Fallback.Name()
}

func (f *FallbackAnalyzer) Analyze(ctx context.Context, query string, history []Turn) (Analysis, error) {
	if f.Primary == nil {
		return f.Fallback.Analyze(ctx, query, history)
	}

	pctx := ctx
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}
	analysis, err := f.Primary.Analyze(pctx, query, history)
	if err == nil {
		return analysis, nil
	}

	reason := "error"
	if errors.Is(err, context.DeadlineExceeded) {
		reason = "timeout"
	}
	logger.WarnCF("router", "Primary analyzer failed, using fallback", map[string]any{
		"analyzer": f.Primary.Name(),
		"reason":   reason,
		"error":    err.Error(),
	})

	analysis, fbErr := f.Fallback.Analyze(ctx, query, history)
	if fbErr != nil {
		return Analysis{}, fmt.Errorf("fallback analyzer: %w (primary: %v)", fbErr, err)
	}
	analysis.Confidence *= fallbackDiscount
	analysis.Source = f.Fallback.Name() + " (fallback)"
	return analysis, nil
}
