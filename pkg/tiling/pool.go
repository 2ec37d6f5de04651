package tiling

import (
	"context"
	"runtime"
	"sync"

	"github.com/pkg/errors"
)

// ProgressFunc receives the number of finished tasks after each completion
type ProgressFunc func(completed, total int)

// Map runs fn for every index in [0, n) on at most workers goroutines.
// Each call must write its result into a slot owned by its index; no other
// synchronisation is provided. The first error cancels the remaining work and
// is returned. A panic in fn is returned as an error. workers <= 0 uses all
// available cores.
func Map(ctx context.Context, n, workers int, fn func(ctx context.Context, i int) error, progress ProgressFunc) error {
	if n == 0 {
		return nil
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	workers = min(workers, n)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan int)
	results := make(chan error, n)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				if err := ctx.Err(); err != nil {
					results <- err
					continue
				}
				results <- call(ctx, fn, i)
			}
		}()
	}

	go func() {
		defer close(jobs)
		for i := 0; i < n; i++ {
			select {
			case jobs <- i:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	var firstErr error
	completed := 0
	for err := range results {
		completed++
		if err != nil && firstErr == nil {
			firstErr = err
			cancel()
		}
		if progress != nil && firstErr == nil {
			progress(completed, n)
		}
	}
	if firstErr == nil {
		firstErr = ctx.Err()
	}
	return firstErr
}

func call(ctx context.Context, fn func(ctx context.Context, i int) error, i int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("task %d panicked: %v", i, r)
		}
	}()
	return fn(ctx, i)
}
