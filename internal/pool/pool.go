// Package pool is the bounded worker pool shared by the dispatch and receipt
// workers. Lanes pull the next unclaimed index from one shared cursor, so every
// item is processed exactly once with at most P calls in flight.
package pool

import (
	"context"
	"sync"
	"sync/atomic"
)

// Map runs fn over items with at most parallelism concurrent invocations and
// returns results indexed by original position. Completion order across items
// is unspecified.
func Map[T, R any](ctx context.Context, items []T, parallelism int, fn func(ctx context.Context, idx int, item T) R) []R {
	n := len(items)
	if n == 0 {
		return nil
	}
	if parallelism < 1 {
		parallelism = 1
	}
	lanes := parallelism
	if lanes > n {
		lanes = n
	}

	results := make([]R, n)
	var cursor atomic.Int64
	var wg sync.WaitGroup

	for l := 0; l < lanes; l++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := int(cursor.Add(1)) - 1
				if i >= n {
					return
				}
				results[i] = fn(ctx, i, items[i])
			}
		}()
	}
	wg.Wait()
	return results
}

// Autoscale derives a lane count from backlog size: one lane per perWorker
// items, at least 1, never more than max.
func Autoscale(backlog, perWorker, max int) int {
	if perWorker < 1 {
		perWorker = 1
	}
	if max < 1 {
		max = 1
	}
	p := (backlog + perWorker - 1) / perWorker
	if p < 1 {
		p = 1
	}
	if p > max {
		p = max
	}
	return p
}

// Chunk splits items into slices of at most size elements, preserving order.
func Chunk[T any](items []T, size int) [][]T {
	if size < 1 || len(items) == 0 {
		return nil
	}
	chunks := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[start:end])
	}
	return chunks
}
