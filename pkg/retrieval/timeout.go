package retrieval

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type timeoutRetriever struct {
	next    Retriever
	timeout time.Duration
}

// WithTimeout bounds every Search on next. Deadline expiry maps to
// ErrRetrievalTimeout and any other error to ErrRetrievalFailure.
func WithTimeout(next Retriever, timeout time.Duration) Retriever {
	return &timeoutRetriever{next: next, timeout: timeout}
}

func (r *timeoutRetriever) Search(ctx context.Context, query string, maxResults int, filters map[string]string) (Result, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := r.next.Search(ctx, query, maxResults, filters)
		done <- outcome{res: res, err: err}
	}()

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{}, fmt.Errorf("%w after %s", ErrRetrievalTimeout, r.timeout)
		}
		return Result{}, fmt.Errorf("%w: %v", ErrRetrievalFailure, ctx.Err())
	case o := <-done:
		switch {
		case o.err == nil:
			return o.res, nil
		case errors.Is(o.err, ErrRetrievalTimeout), errors.Is(o.err, ErrRetrievalFailure):
			return Result{}, o.err
		case errors.Is(o.err, context.DeadlineExceeded):
			return Result{}, fmt.Errorf("%w: %v", ErrRetrievalTimeout, o.err)
		default:
			return Result{}, fmt.Errorf("%w: %v", ErrRetrievalFailure, o.err)
		}
	}
}
