// Package parallel runs a function over a slice with bounded concurrency.
package parallel

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Map calls mapFunc for every element of in, at most limit calls at once, and
// returns the results in input order. The first error cancels the context
// passed to the calls still running and is returned.
func Map[E, D any](ctx context.Context, limit int, in []E, mapFunc func(context.Context, E) (D, error)) ([]D, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(limit, 1))

	out := make([]D, len(in))
	for i, e := range in {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			d, err := mapFunc(gctx, e)
			if err != nil {
				return err
			}
			out[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
