package handler

import (
	"context"

	appErrors "github.com/faceattend/faceattend-api/pkg/errors"
)

// retryTransient runs fn and retries it exactly once when the failure is
// a transient infrastructure error (store, provider, timeout). Domain
// outcomes are never retried. The retry is skipped when the request
// context is already done.
func retryTransient[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	result, err := fn(ctx)
	if err == nil || !appErrors.IsTransient(err) {
		return result, err
	}
	select {
	case <-ctx.Done():
		return result, err
	default:
	}
	return fn(ctx)
}
