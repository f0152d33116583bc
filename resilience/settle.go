package resilience

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultMaxParallel bounds batch concurrency when the caller does not.
const DefaultMaxParallel = 8

// Operation names a unit of work for batch execution.
type Operation struct {
	Name string
	Run  func(context.Context) error
}

// Result records one operation's outcome. Result order always matches
// input order, never completion order.
type Result struct {
	Name     string
	Err      error
	Duration time.Duration
}

// BatchSummary aggregates a settled batch.
type BatchSummary struct {
	Total       int
	Succeeded   int
	Failed      int
	SuccessRate float64
}

// ExecuteAllSettled runs every operation, collecting each outcome without
// short-circuiting on failures. Concurrency is bounded at
// DefaultMaxParallel.
func ExecuteAllSettled(ctx context.Context, ops []Operation) []Result {
	results := make([]Result, len(ops))
	grp := new(errgroup.Group)
	grp.SetLimit(DefaultMaxParallel)
	for i, op := range ops {
		grp.Go(func() error {
			started := time.Now()
			var err error
			if op.Run == nil {
				err = validationError("batch operation has no runner")
			} else {
				err = op.Run(ctx)
			}
			results[i] = Result{Name: op.Name, Err: err, Duration: time.Since(started)}
			return nil
		})
	}
	_ = grp.Wait()
	return results
}

// Summary tallies the settled results.
func Summary(results []Result) BatchSummary {
	summary := BatchSummary{Total: len(results)}
	for _, result := range results {
		if result.Err != nil {
			summary.Failed++
		} else {
			summary.Succeeded++
		}
	}
	if summary.Total > 0 {
		summary.SuccessRate = float64(summary.Succeeded) / float64(summary.Total)
	}
	return summary
}

// InvalidationOptions shape SafeCacheInvalidation. ContinueOnError keeps
// later batches running and collects failures into the report; otherwise
// the first failing batch aborts the run.
type InvalidationOptions struct {
	MaxParallel     int
	ContinueOnError bool
}

// InvalidationReport accounts for every key that ran. Errs chains the
// individual failures.
type InvalidationReport struct {
	Succeeded  int
	Failed     int
	FailedKeys []string
	Errs       error
}

// SafeCacheInvalidation invalidates keys in batches of MaxParallel.
func SafeCacheInvalidation(
	ctx context.Context,
	keys []string,
	invalidate func(context.Context, string) error,
	opts InvalidationOptions,
) (InvalidationReport, error) {
	if invalidate == nil {
		return InvalidationReport{}, validationError("invalidation function is required")
	}
	maxParallel := opts.MaxParallel
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallel
	}

	report := InvalidationReport{}
	for start := 0; start < len(keys); start += maxParallel {
		end := start + maxParallel
		if end > len(keys) {
			end = len(keys)
		}
		batch := keys[start:end]

		if opts.ContinueOnError {
			ops := make([]Operation, len(batch))
			for i, key := range batch {
				ops[i] = Operation{Name: key, Run: func(ctx context.Context) error {
					return invalidate(ctx, key)
				}}
			}
			for _, result := range ExecuteAllSettled(ctx, ops) {
				if result.Err != nil {
					report.Failed++
					report.FailedKeys = append(report.FailedKeys, result.Name)
					report.Errs = joinErrors(report.Errs, result.Err)
				} else {
					report.Succeeded++
				}
			}
			continue
		}

		batchErrs := make([]error, len(batch))
		grp, grpCtx := errgroup.WithContext(ctx)
		for i, key := range batch {
			grp.Go(func() error {
				err := invalidate(grpCtx, key)
				batchErrs[i] = err
				if err != nil {
					return fmt.Errorf("resilience: invalidate %q: %w", key, err)
				}
				return nil
			})
		}
		err := grp.Wait()
		for i := range batch {
			if batchErrs[i] != nil {
				report.Failed++
				report.FailedKeys = append(report.FailedKeys, batch[i])
				report.Errs = joinErrors(report.Errs, batchErrs[i])
			} else {
				report.Succeeded++
			}
		}
		if err != nil {
			return report, err
		}
	}
	return report, nil
}

func joinErrors(existing error, next error) error {
	if existing == nil {
		return next
	}
	if next == nil {
		return existing
	}
	return fmt.Errorf("%w; %v", existing, next)
}
