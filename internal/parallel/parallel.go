package parallel

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

// Do calls fn for every item, with at most limit calls in flight, and waits
// for all of them. A limit <= 0 means no limit. Every item is processed even
// when some calls fail, the errors are joined in the order of items.
//
// Items not yet started when ctx is done are skipped with ctx.Err().
func Do[E any](ctx context.Context, limit int, items []E, fn func(context.Context, E) error) error {
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}

	errs := make([]error, len(items))
	for i, item := range items {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				errs[i] = err
				return nil
			}
			errs[i] = fn(ctx, item)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
