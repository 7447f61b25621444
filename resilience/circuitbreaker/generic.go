package circuitbreaker

import "context"

// CallWithResultTyped is a type-safe generic wrapper around CircuitBreaker.CallWithResult.
//
// Usage:
//
//	val, err := circuitbreaker.CallWithResultTyped[int](cb, ctx, func(ctx context.Context) (int, error) {
//	    return 42, nil
//	})
func CallWithResultTyped[T any](cb CircuitBreaker, ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	result, err := cb.CallWithResult(ctx, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	v, _ := result.(T)
	return v, nil
}

// CallTyped is the Manager counterpart of CallWithResultTyped.
func CallTyped[T any](m *Manager, ctx context.Context, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	return CallWithResultTyped[T](m.Breaker(name), ctx, fn)
}
