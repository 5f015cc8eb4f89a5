package daemon

import "github.com/docker/go-metrics"

var (
	agentInfo          metrics.LabeledGauge
	registeredBuilders metrics.Gauge
	notifications      metrics.LabeledCounter
)

func init() {
	ns := metrics.NewNamespace("hostconverge", "daemon", nil)
	agentInfo = ns.NewLabeledGauge("agent", "The version and host information for the agent process", metrics.Unit("info"),
		"version",
		"commit",
		"os",
	)
	registeredBuilders = ns.NewGauge("builders", "The number of builders registered with the agent", metrics.Unit("builders"))
	notifications = ns.NewLabeledCounter("notifications", "The number of table change notifications received", "table")
	metrics.Register(ns)
}
