package reconcile

import "github.com/docker/go-metrics"

var (
	rebuildDuration metrics.LabeledTimer
	rebuildFailures metrics.LabeledCounter
	rebuildRequests metrics.LabeledCounter
)

func init() {
	ns := metrics.NewNamespace("hostconverge", "reconcile", nil)
	rebuildDuration = ns.NewLabeledTimer("rebuild", "The number of seconds it takes to run a rebuild pass", "builder")
	rebuildFailures = ns.NewLabeledCounter("rebuild_failures", "The number of rebuild passes that did not converge", "builder", "kind")
	rebuildRequests = ns.NewLabeledCounter("rebuild_requests", "The number of rebuild requests received, before coalescing", "builder")
	metrics.Register(ns)
}
