// Package metrics exposes directory state to Prometheus. A collector
// reads live node state at scrape time rather than instrumenting every
// write path.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/isometry/dirrepl/internal/dn"
	"github.com/isometry/dirrepl/internal/store"
	"github.com/isometry/dirrepl/internal/tasks"
	"github.com/isometry/dirrepl/internal/topology"
)

// NodeCollector reports entry counts, changelog depth, the replica
// update vector and task states for one node.
type NodeCollector struct {
	node *topology.Node

	entries        *prometheus.Desc
	changelogDepth *prometheus.Desc
	ruvTimestamp   *prometheus.Desc
	taskStates     *prometheus.Desc
}

// NewNodeCollector builds a collector for the node.
func NewNodeCollector(node *topology.Node) *NodeCollector {
	return &NodeCollector{
		node: node,
		entries: prometheus.NewDesc(
			"dirrepl_suffix_entries",
			"Number of live entries under a replicated suffix.",
			[]string{"suffix"}, nil,
		),
		changelogDepth: prometheus.NewDesc(
			"dirrepl_changelog_changes",
			"Number of changes retained in the changelog.",
			nil, nil,
		),
		ruvTimestamp: prometheus.NewDesc(
			"dirrepl_ruv_max_csn_timestamp_seconds",
			"Timestamp of the newest CSN seen from each replica.",
			[]string{"replica_id"}, nil,
		),
		taskStates: prometheus.NewDesc(
			"dirrepl_tasks",
			"Server tasks by completion state.",
			[]string{"state"}, nil,
		),
	}
}

var _ prometheus.Collector = (*NodeCollector)(nil)

func (c *NodeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.entries
	ch <- c.changelogDepth
	ch <- c.ruvTimestamp
	ch <- c.taskStates
}

func (c *NodeCollector) Collect(ch chan<- prometheus.Metric) {
	for _, suffix := range c.node.Store.Suffixes() {
		if suffix == "cn=config" {
			continue
		}
		entries, err := c.node.Store.SubtreeEntries(suffix, false)
		if err != nil {
			continue
		}
		ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue,
			float64(len(entries)), suffix)
	}

	log := c.node.Store.Changelog()
	ch <- prometheus.MustNewConstMetric(c.changelogDepth, prometheus.GaugeValue,
		float64(log.Len()))
	for rid, max := range log.RUV() {
		ch <- prometheus.MustNewConstMetric(c.ruvTimestamp, prometheus.GaugeValue,
			float64(max.TS), ridLabel(rid))
	}

	running, completed := c.taskCounts()
	ch <- prometheus.MustNewConstMetric(c.taskStates, prometheus.GaugeValue,
		float64(running), "running")
	ch <- prometheus.MustNewConstMetric(c.taskStates, prometheus.GaugeValue,
		float64(completed), "completed")
}

// taskCounts walks the task tree; entries directly under a kind
// container are tasks, everything else is structure.
func (c *NodeCollector) taskCounts() (running, completed int) {
	found, err := c.node.Store.Search(store.SearchRequest{
		BaseDN: tasks.TasksDN,
		Scope:  store.ScopeSubtree,
	})
	if err != nil {
		return 0, 0
	}
	for _, e := range found {
		parent, err := dn.Parent(e.DN)
		if err != nil || parent == "" {
			continue
		}
		grand, err := dn.Parent(parent)
		if err != nil {
			continue
		}
		if key, err := dn.Key(grand); err != nil || key != tasks.TasksDN {
			continue
		}
		if e.HasAttribute("nsTaskExitCode") {
			completed++
		} else {
			running++
		}
	}
	return running, completed
}

func ridLabel(rid uint16) string {
	return strconv.Itoa(int(rid))
}

// Handler returns an HTTP handler serving the node's metrics alongside
// the standard process and Go runtime collectors.
func Handler(node *topology.Node) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewNodeCollector(node),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
