package runner

import "golang.org/x/sync/errgroup"

// runBounded invokes fn(i) for each i in [0, n) across a bounded worker
// pool of the given width, waiting for every call to finish. fn must
// report per-item failure through its own return value (a Cell with
// Error set) rather than a Go error, since a cell's failure must never
// cancel its siblings (failure containment).
func runBounded(n, width int, fn func(i int)) {
	if width <= 0 {
		width = 1
	}
	var eg errgroup.Group
	eg.SetLimit(width)
	for i := 0; i < n; i++ {
		i := i
		eg.Go(func() error {
			fn(i)
			return nil
		})
	}
	_ = eg.Wait()
}
