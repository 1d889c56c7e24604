package engine

import (
	"github.com/razelbuild/razel/internal/events"
	"github.com/razelbuild/razel/internal/graph"
)

// retryAfterOOM reacts to an OOM-class failure: the effective parallelism
// is halved (min 1) and the command re-enters the queue. The cap stays
// reduced until the run drains.
func (e *Engine) retryAfterOOM(res *workerResult) {
	id := res.id
	c := e.graph.Command(id)

	e.retriesLeft[id]--
	e.oomWindow = true
	if e.effectiveCap > 1 {
		e.effectiveCap = e.effectiveCap / 2
		e.logger.Warn("OOM suspected, reducing parallelism",
			"command", c.Name, "jobs", e.effectiveCap)
	}

	e.setStatus(id, graph.StatusFailed)
	e.setStatus(id, graph.StatusRetrying)
	e.setStatus(id, graph.StatusPending)
	e.bus.Publish(events.Event{
		Kind:    events.Retry,
		Command: id,
		Name:    c.Name,
		Error:   res.errorText,
	})
	e.setStatus(id, graph.StatusReady)
	e.pushReady(id)
}
