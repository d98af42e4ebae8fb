// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metrics exports accounting engine state to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"grimm.is/tagacct/internal/qtaguid"
)

const namespace = "tagacct"

// Source is the engine state the collector reads on every scrape.
type Source interface {
	Events() qtaguid.EventsSnapshot
	InterfaceTotals() []qtaguid.InterfaceTotals
	TaggedSockets() []qtaguid.SockTag
}

// Collector mirrors the engine's event counters and interface totals. It
// keeps no state of its own; every scrape reads a fresh snapshot.
type Collector struct {
	source Source

	events        *prometheus.Desc
	taggedSockets *prometheus.Desc
	ifaceActive   *prometheus.Desc
	ifaceTagStats *prometheus.Desc
	devBytes      *prometheus.Desc
	devPackets    *prometheus.Desc
	pktBytes      *prometheus.Desc
	pktPackets    *prometheus.Desc
}

// NewCollector creates a collector over source.
func NewCollector(source Source) *Collector {
	return &Collector{
		source: source,
		events: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "events_total"),
			"Engine events by type",
			[]string{"event"}, nil,
		),
		taggedSockets: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "tagged_sockets"),
			"Number of currently tagged sockets",
			nil, nil,
		),
		ifaceActive: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "iface", "active"),
			"Whether the interface is up",
			[]string{"iface"}, nil,
		),
		ifaceTagStats: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "iface", "tag_stats"),
			"Number of tag stat entries kept for the interface",
			[]string{"iface"}, nil,
		),
		devBytes: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "iface", "device_bytes_total"),
			"Device-reported bytes, including counters from earlier device epochs",
			[]string{"iface", "direction"}, nil,
		),
		devPackets: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "iface", "device_packets_total"),
			"Device-reported packets, including counters from earlier device epochs",
			[]string{"iface", "direction"}, nil,
		),
		pktBytes: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "iface", "observed_bytes_total"),
			"Bytes seen by the packet path",
			[]string{"iface", "direction", "proto"}, nil,
		),
		pktPackets: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "iface", "observed_packets_total"),
			"Packets seen by the packet path",
			[]string{"iface", "direction", "proto"}, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.events
	ch <- c.taggedSockets
	ch <- c.ifaceActive
	ch <- c.ifaceTagStats
	ch <- c.devBytes
	ch <- c.devPackets
	ch <- c.pktBytes
	ch <- c.pktPackets
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, ev := range EventValues(c.source.Events()) {
		ch <- prometheus.MustNewConstMetric(c.events, prometheus.CounterValue, float64(ev.Value), ev.Name)
	}
	ch <- prometheus.MustNewConstMetric(c.taggedSockets, prometheus.GaugeValue, float64(len(c.source.TaggedSockets())))

	for _, t := range c.source.InterfaceTotals() {
		active := 0.0
		if t.Active {
			active = 1
		}
		ch <- prometheus.MustNewConstMetric(c.ifaceActive, prometheus.GaugeValue, active, t.Name)
		ch <- prometheus.MustNewConstMetric(c.ifaceTagStats, prometheus.GaugeValue, float64(t.NumTagStats), t.Name)

		dev := t.DeviceTotals
		ch <- prometheus.MustNewConstMetric(c.devBytes, prometheus.CounterValue, float64(dev.RxBytes), t.Name, "rx")
		ch <- prometheus.MustNewConstMetric(c.devBytes, prometheus.CounterValue, float64(dev.TxBytes), t.Name, "tx")
		ch <- prometheus.MustNewConstMetric(c.devPackets, prometheus.CounterValue, float64(dev.RxPackets), t.Name, "rx")
		ch <- prometheus.MustNewConstMetric(c.devPackets, prometheus.CounterValue, float64(dev.TxPackets), t.Name, "tx")

		for _, dir := range []qtaguid.Direction{qtaguid.DirRX, qtaguid.DirTX} {
			for _, proto := range []qtaguid.ProtoClass{qtaguid.ProtoTCP, qtaguid.ProtoUDP, qtaguid.ProtoOther} {
				bc := t.PacketTotals[dir][proto]
				ch <- prometheus.MustNewConstMetric(c.pktBytes, prometheus.CounterValue, float64(bc.Bytes), t.Name, dir.String(), proto.String())
				ch <- prometheus.MustNewConstMetric(c.pktPackets, prometheus.CounterValue, float64(bc.Packets), t.Name, dir.String(), proto.String())
			}
		}
	}
}

// EventValue is one named engine event counter.
type EventValue struct {
	Name  string
	Value uint64
}

// EventValues flattens ev in a stable order. Names match the JSON field
// names of EventsSnapshot.
func EventValues(ev qtaguid.EventsSnapshot) []EventValue {
	return []EventValue{
		{"sockets_tagged", ev.SocketsTagged},
		{"sockets_untagged", ev.SocketsUntagged},
		{"sockets_closed", ev.SocketsClosed},
		{"counter_set_changes", ev.CounterSetChanges},
		{"delete_cmds", ev.DeleteCommands},
		{"iface_events", ev.IfaceEvents},
		{"device_rewinds", ev.DeviceRewinds},
		{"match_calls", ev.MatchCalls},
		{"match_found_sock_tag", ev.MatchFoundSockTag},
		{"match_found_no_sock_tag", ev.MatchFoundNoSockTag},
		{"match_no_sk", ev.MatchNoSocket},
		{"packets_unknown_iface", ev.PacketsUnknownIface},
		{"stat_alloc_failures", ev.StatAllocFailures},
		{"sessions_opened", ev.SessionsOpened},
		{"sessions_closed", ev.SessionsClosed},
		{"command_errors", ev.CommandErrors},
	}
}

// NewRegistry returns a registry holding the engine collector alongside the
// Go runtime and process collectors.
func NewRegistry(source Source) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewCollector(source),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}
