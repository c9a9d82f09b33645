// Package pool runs bounded fan-out work.
package pool

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// DefaultLimit is the concurrency used when a non-positive limit is given.
const DefaultLimit = 4

// Run calls fn for every item with at most limit calls in flight. It
// returns the first error any call returned; once a call fails, items not
// yet started are skipped and the context handed to running calls is
// cancelled.
func Run[T any](ctx context.Context, limit int, items []T, fn func(ctx context.Context, item T) error) error {
	if limit <= 0 {
		limit = DefaultLimit
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for _, item := range items {
		item := item
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return fn(gctx, item)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}
