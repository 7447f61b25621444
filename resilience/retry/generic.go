package retry

import "context"

// DoTyped 是 DoWithResult 的泛型版本
func DoTyped[T any](c *Controller, ctx context.Context, call Call, fn func(ctx context.Context) (T, error)) (T, error) {
	result, err := c.DoWithResult(ctx, call, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	v, _ := result.(T)
	return v, nil
}
