// Package parallel evaluates candidate batches concurrently on the local
// machine. It implements the narrow map interface the optimization drivers
// call through; distributed backends would sit behind the same signature.
package parallel

import (
	"context"
	"log/slog"
	"runtime"

	"github.com/sourcegraph/conc/pool"
)

// Evaluator computes the named features and objectives for one parameter
// vector. An error demotes that individual to failed; it never aborts the
// batch.
type Evaluator func(ctx context.Context, x []float64) (features, objectives map[string]float64, err error)

// Map evaluates every parameter vector of a batch concurrently and returns
// feature and objective maps in submission order. A failed evaluation yields
// nil maps at its slot, which the drivers record as a failed individual.
// workers <= 0 uses one worker per CPU.
func Map(ctx context.Context, params [][]float64, workers int, eval Evaluator) (features, objectives []map[string]float64, err error) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	features = make([]map[string]float64, len(params))
	objectives = make([]map[string]float64, len(params))

	p := pool.New().WithContext(ctx).WithMaxGoroutines(workers)
	for i, x := range params {
		i, x := i, x
		p.Go(func(ctx context.Context) error {
			f, o, err := eval(ctx, x)
			if err != nil {
				slog.Warn("Evaluation failed", "index", i, "error", err)
				return nil
			}
			features[i] = f
			objectives[i] = o
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, nil, err
	}
	return features, objectives, nil
}
