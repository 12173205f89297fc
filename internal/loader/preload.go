package loader

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/fleetwork/cacheengine/pkg/types"
)

// PreloadReport summarizes a PreloadTop run
type PreloadReport struct {
	Attempted int      `json:"attempted"`
	Loaded    int      `json:"loaded"`
	FromCache int      `json:"from_cache"`
	Failed    []string `json:"failed,omitempty"` // cache keys
	Skipped   int      `json:"skipped"`
}

// PreloadTop warms the cache for the requests whose feature is among the
// user's top n. Requests run heaviest first in batches; a failed request is
// logged and counted but never stops the others. Once ctx is done no further
// batch is started.
func (l *Loader) PreloadTop(ctx context.Context, n int, reqs []Request) PreloadReport {
	if n <= 0 {
		n = DefaultPreloadCount
	}

	top := make(map[types.Feature]bool, n)
	for _, w := range l.weights.HighPriorityFeatures(n) {
		top[w.Feature] = true
	}

	selected := make([]Request, 0, len(reqs))
	for _, req := range reqs {
		if top[req.Feature] {
			selected = append(selected, req)
		}
	}
	sort.SliceStable(selected, func(i, j int) bool {
		return l.weights.WeightOf(selected[i].Feature) > l.weights.WeightOf(selected[j].Feature)
	})

	var (
		report PreloadReport
		mu     sync.Mutex
	)
	for start := 0; start < len(selected); start += l.batchSize {
		if ctx.Err() != nil {
			report.Skipped = len(selected) - start
			break
		}
		end := start + l.batchSize
		if end > len(selected) {
			end = len(selected)
		}

		var g errgroup.Group
		for _, req := range selected[start:end] {
			g.Go(func() error {
				res, err := l.Load(ctx, req)

				mu.Lock()
				defer mu.Unlock()
				report.Attempted++
				switch {
				case err != nil:
					report.Failed = append(report.Failed, req.CacheKey)
					l.logger.Error("preload failed", "feature", req.Feature, "key", req.CacheKey, "error", err)
				case res.FromCache:
					report.FromCache++
				default:
					report.Loaded++
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	if report.Attempted > 0 {
		l.logger.Info("preload finished",
			"attempted", report.Attempted,
			"loaded", report.Loaded,
			"from_cache", report.FromCache,
			"failed", len(report.Failed),
			"skipped", report.Skipped)
	}
	sort.Strings(report.Failed)
	return report
}
