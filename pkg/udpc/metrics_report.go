package udpc

import (
	"github.com/reliudp/udpc/pkg/udpc/metrics"
)

// ReportMetrics snapshots every connection's queue depth, RTT, pacing mode
// and resend count into m. It is safe to call on any tick cadence; nothing
// in the core calls it automatically, since a Context never requires a
// Collectors to function.
func (c *Context) ReportMetrics(m *metrics.Collectors) {
	if !c.verifyContext() || m == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, id := range c.registry.list() {
		cs, ok := c.registry.get(id)
		if !ok {
			continue
		}
		label := id.String()
		m.QueueDepth.WithLabelValues(label, "pending").Set(float64(len(cs.pendingSend)))
		m.QueueDepth.WithLabelValues(label, "priority_resend").Set(float64(len(cs.priorityResend)))
		m.RTTSeconds.WithLabelValues(label).Set(cs.rtt.Seconds())
		m.PacingMode.WithLabelValues(label).Set(metrics.ModeValue(cs.goodMode))
		if cs.stats.Resent > 0 {
			m.ResendsTotal.WithLabelValues(label).Add(float64(cs.stats.Resent))
			cs.stats.Resent = 0
		}
	}
}
