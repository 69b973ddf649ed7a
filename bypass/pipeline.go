package bypass

import (
	"context"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"tethercloak/ops"
)

// Pipeline runs layer operations through the executor. A single mutex
// serializes Activate and Deactivate so a teardown can never interleave
// with an in-flight activation.
type Pipeline struct {
	runner ops.Runner
	mu     sync.Mutex
}

func NewPipeline(runner ops.Runner) *Pipeline {
	return &Pipeline{runner: runner}
}

// Activate applies layers in ascending ordinal order. On the first
// failure it stops forward progress, deactivates every layer applied so
// far in reverse order, and returns the failure; no layer is left
// active. Cancellation via ctx is cooperative: the in-flight layer
// always finishes, the check runs between layers, and a cancelled
// activation rolls back the applied prefix exactly like a failure.
// The returned count is the number of layers left active: len(layers)
// on success, zero otherwise.
func (p *Pipeline) Activate(ctx context.Context, layers []*Layer) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ordered := sortedByOrdinal(layers)
	activated := make([]*Layer, 0, len(ordered))
	for _, layer := range ordered {
		if err := ctx.Err(); err != nil {
			logrus.Infof("[Pipeline] activation cancelled before layer %s, rolling back %d layer(s)", layer.ID, len(activated))
			p.rollback(ctx, activated)
			return 0, err
		}
		res := p.runner.Run(context.WithoutCancel(ctx), layer.Activate)
		if !res.OK() {
			layer.setStatus(StatusFailed)
			logrus.Warnf("[Pipeline] activate %s failed: %s", layer.ID, res.Summary())
			p.rollback(ctx, activated)
			layer.setStatus(StatusInactive)
			return 0, &LayerError{LayerID: layer.ID, Result: res}
		}
		layer.setStatus(StatusActive)
		activated = append(activated, layer)
		logrus.Infof("[Pipeline] layer %s active (%d/%d)", layer.ID, len(activated), len(ordered))
	}
	return len(activated), nil
}

// Deactivate tears layers down in exact reverse ordinal order. Every
// layer's deactivate operation is attempted exactly once regardless of
// earlier failures; all failures are collected and returned. The count
// is the number of layers whose deactivation succeeded.
func (p *Pipeline) Deactivate(ctx context.Context, layers []*Layer) (int, []error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deactivateLocked(ctx, layers)
}

func (p *Pipeline) deactivateLocked(ctx context.Context, layers []*Layer) (int, []error) {
	ordered := sortedByOrdinal(layers)
	var failures []error
	done := 0
	for i := len(ordered) - 1; i >= 0; i-- {
		layer := ordered[i]
		res := p.runner.Run(context.WithoutCancel(ctx), layer.Deactivate)
		if !res.OK() {
			layer.setStatus(StatusFailed)
			failures = append(failures, &LayerError{LayerID: layer.ID, Result: res})
			logrus.Warnf("[Pipeline] deactivate %s failed: %s", layer.ID, res.Summary())
			continue
		}
		layer.setStatus(StatusInactive)
		done++
	}
	return done, failures
}

// rollback restores the all-inactive invariant after a failed or
// cancelled activation. Failures are logged, not returned: the caller
// already has the primary failure to report.
func (p *Pipeline) rollback(ctx context.Context, activated []*Layer) {
	for i := len(activated) - 1; i >= 0; i-- {
		layer := activated[i]
		res := p.runner.Run(context.WithoutCancel(ctx), layer.Deactivate)
		if !res.OK() {
			logrus.Warnf("[Pipeline] rollback deactivate %s failed: %s", layer.ID, res.Summary())
		}
		layer.setStatus(StatusInactive)
	}
}

// Verify runs each layer's verify operation and reports the ids of
// layers that look unhealthy. It is read-only: layer status is never
// mutated here, only reported on. Verify operations are independent,
// so they run concurrently through the runner's slots; the result
// order stays ascending by ordinal. Layers without a verify operation
// are assumed healthy.
func (p *Pipeline) Verify(ctx context.Context, layers []*Layer) []string {
	ordered := sortedByOrdinal(layers)
	results := make([]<-chan ops.Result, len(ordered))
	for i, layer := range ordered {
		if layer.Verify.Zero() {
			continue
		}
		results[i] = ops.RunAsync(ctx, p.runner, layer.Verify)
	}
	var unhealthy []string
	for i, ch := range results {
		if ch == nil {
			continue
		}
		res := <-ch
		if !res.OK() {
			logrus.Debugf("[Pipeline] verify %s unhealthy: %s", ordered[i].ID, res.Summary())
			unhealthy = append(unhealthy, ordered[i].ID)
		}
	}
	return unhealthy
}

func sortedByOrdinal(layers []*Layer) []*Layer {
	ordered := make([]*Layer, len(layers))
	copy(ordered, layers)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Ordinal < ordered[j].Ordinal
	})
	return ordered
}
