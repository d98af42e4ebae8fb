// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"grimm.is/tagacct/internal/capture"
	"grimm.is/tagacct/internal/reaper"
)

// Components are the optional daemon parts whose own counters are exported.
// Leave a field nil when that part is not running.
type Components struct {
	Reaper    interface{ Stats() reaper.Stats }
	Conntrack interface{ Destroyed() uint64 }
	Capture   interface{ Stats() capture.Stats }
	NFLog     interface{ IsRunning() bool }
}

// ComponentCollector exports reaper, conntrack and capture counters.
type ComponentCollector struct {
	comps Components

	reaper       *prometheus.Desc
	ctDestroyed  *prometheus.Desc
	capture      *prometheus.Desc
	nflogRunning *prometheus.Desc
}

// NewComponentCollector creates a collector over comps.
func NewComponentCollector(comps Components) *ComponentCollector {
	return &ComponentCollector{
		comps: comps,
		reaper: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "reaper", "events_total"),
			"Closed-socket reaper activity by type",
			[]string{"event"}, nil,
		),
		ctDestroyed: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "conntrack", "destroy_events_total"),
			"Conntrack destroy events that triggered a reaper sweep",
			nil, nil,
		),
		capture: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "capture", "events_total"),
			"Packet capture activity by type",
			[]string{"event"}, nil,
		),
		nflogRunning: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "capture", "nflog_running"),
			"Whether the NFLOG reader is bound",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *ComponentCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.reaper
	ch <- c.ctDestroyed
	ch <- c.capture
	ch <- c.nflogRunning
}

// Collect implements prometheus.Collector.
func (c *ComponentCollector) Collect(ch chan<- prometheus.Metric) {
	if c.comps.Reaper != nil {
		st := c.comps.Reaper.Stats()
		for _, v := range []EventValue{
			{"sweeps", st.Sweeps},
			{"reaped", st.Reaped},
			{"triggers", st.Triggers},
			{"failures", st.Failures},
		} {
			ch <- prometheus.MustNewConstMetric(c.reaper, prometheus.CounterValue, float64(v.Value), v.Name)
		}
	}
	if c.comps.Conntrack != nil {
		ch <- prometheus.MustNewConstMetric(c.ctDestroyed, prometheus.CounterValue, float64(c.comps.Conntrack.Destroyed()))
	}
	if c.comps.Capture != nil {
		st := c.comps.Capture.Stats()
		for _, v := range []EventValue{
			{"observed", st.Observed},
			{"undecodable", st.Undecodable},
			{"no_interface", st.NoInterface},
			{"socket_misses", st.SocketMisses},
			{"table_refreshes", st.TableRefreshes},
		} {
			ch <- prometheus.MustNewConstMetric(c.capture, prometheus.CounterValue, float64(v.Value), v.Name)
		}
	}
	if c.comps.NFLog != nil {
		running := 0.0
		if c.comps.NFLog.IsRunning() {
			running = 1
		}
		ch <- prometheus.MustNewConstMetric(c.nflogRunning, prometheus.GaugeValue, running)
	}
}
