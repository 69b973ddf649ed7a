// Package bypass brings an ordered set of network disguise layers up
// and down against the host's control plane. Activation is
// all-or-nothing: a half-applied layer set is itself a detectable
// signature, so any forward failure rolls back everything already
// applied. Teardown is best-effort-complete: stale firewall or DNS
// state is worse than an incomplete failure log.
package bypass

import (
	"fmt"
	"sync/atomic"

	"tethercloak/ops"
)

type Status int32

const (
	StatusInactive Status = iota
	StatusActive
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusInactive:
		return "inactive"
	case StatusActive:
		return "active"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// Layer is one independent control-plane modification (TTL rewrite,
// IPv6 block, DNS redirect, ...). Ordinal defines activation order;
// deactivation always runs in the exact reverse order. The three
// operations are opaque catalog data.
type Layer struct {
	ID         string
	Ordinal    int
	Activate   ops.Operation
	Deactivate ops.Operation
	Verify     ops.Operation

	status atomic.Int32
}

func (l *Layer) Status() Status {
	return Status(l.status.Load())
}

func (l *Layer) setStatus(s Status) {
	l.status.Store(int32(s))
}

// LayerError reports a failed layer operation together with the raw
// executor result, so the failure can be classified downstream.
type LayerError struct {
	LayerID string
	Result  ops.Result
}

func (e *LayerError) Error() string {
	return fmt.Sprintf("layer %s: %s", e.LayerID, e.Result.Summary())
}
