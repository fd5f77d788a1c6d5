package governor

// DepthGuard rejects call entries past the policy's depth. It implements
// vm.DepthGuard.
type DepthGuard struct {
	metrics *Metrics
	limit   int
}

// NewDepthGuard returns a guard that records into m. A limit of 0 disables it.
func NewDepthGuard(m *Metrics, limit int) *DepthGuard {
	return &DepthGuard{metrics: m, limit: limit}
}

// Limit returns the deepest frame allowed, or 0 when unlimited.
func (g *DepthGuard) Limit() int {
	return g.limit
}

// Check is called with the depth the new frame would have.
func (g *DepthGuard) Check(depth int) error {
	if g.limit > 0 && depth > g.limit {
		g.metrics.StackOverflow = true
		g.metrics.CurrentCallDepth = depth
		return ErrStackOverflow
	}
	if depth > g.metrics.CurrentCallDepth && !g.metrics.StackOverflow {
		g.metrics.CurrentCallDepth = depth
	}
	return nil
}
