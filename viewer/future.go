package viewer

import (
	"context"
	"sync"
)

// future turns a pair of SDK callbacks into a single awaitable result.
// Only the first resolution counts.
type future[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

func newFuture[T any]() *future[T] {
	return &future[T]{done: make(chan struct{})}
}

func (f *future[T]) resolve(v T, err error) {
	f.once.Do(func() {
		f.val, f.err = v, err
		close(f.done)
	})
}

func (f *future[T]) Resolve(v T) { f.resolve(v, nil) }

func (f *future[T]) Reject(err error) {
	var zero T
	f.resolve(zero, err)
}

func (f *future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
