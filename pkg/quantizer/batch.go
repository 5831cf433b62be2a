package quantizer

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

const minRowsPerChunk = 256

// forEachChunk splits [0, n) into contiguous chunks and runs fn on them
// with at most workers goroutines. Each call owns its own row range.
func forEachChunk(ctx context.Context, n, workers int, fn func(lo, hi int) error) error {
	if n == 0 {
		return nil
	}
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	chunk := max((n+workers-1)/workers, minRowsPerChunk)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for lo := 0; lo < n; lo += chunk {
		lo := lo
		hi := min(lo+chunk, n)
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return fn(lo, hi)
		})
	}
	return g.Wait()
}

// checkWidths validates every row before any work is done so a bad row
// never produces partial output.
func checkWidths(op string, rows [][]float32, width int) error {
	for i, row := range rows {
		if len(row) != width {
			return shapeErr(op, i, width, len(row))
		}
	}
	return nil
}
