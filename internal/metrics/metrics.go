package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowpbx/vmrouter/internal/lifecycle"
	"github.com/flowpbx/vmrouter/internal/registry"
	"github.com/flowpbx/vmrouter/internal/router"
	"github.com/flowpbx/vmrouter/internal/voicemail"
)

// CallStatsProvider exposes router counters.
type CallStatsProvider interface {
	Stats() router.Stats
}

// RegistryCounter exposes registry totals.
type RegistryCounter interface {
	Counts() registry.Counts
}

// IngestStatsProvider exposes voicemail pipeline counters.
type IngestStatsProvider interface {
	Stats() voicemail.Stats
}

// MonitorStatsProvider exposes DID lifecycle counters.
type MonitorStatsProvider interface {
	Stats() lifecycle.Stats
}

// ConnectionStatus reports whether the PBX link is up.
type ConnectionStatus interface {
	Connected() bool
}

// Collector is a prometheus.Collector that gathers vmrouter metrics at scrape time.
type Collector struct {
	calls     CallStatsProvider
	registry  RegistryCounter
	ingest    IngestStatsProvider
	monitor   MonitorStatsProvider
	pbx       ConnectionStatus
	startTime time.Time

	activeCallsDesc *prometheus.Desc
	callsTotalDesc  *prometheus.Desc
	projectsDesc    *prometheus.Desc
	didsDesc        *prometheus.Desc
	voicemailsDesc  *prometheus.Desc
	ingestDesc      *prometheus.Desc
	ingestFailDesc  *prometheus.Desc
	ingestBusyDesc  *prometheus.Desc
	monitorDesc     *prometheus.Desc
	pbxUpDesc       *prometheus.Desc
	uptimeDesc      *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if unavailable.
func NewCollector(
	calls CallStatsProvider,
	reg RegistryCounter,
	ingest IngestStatsProvider,
	monitor MonitorStatsProvider,
	pbx ConnectionStatus,
	startTime time.Time,
) *Collector {
	return &Collector{
		calls:     calls,
		registry:  reg,
		ingest:    ingest,
		monitor:   monitor,
		pbx:       pbx,
		startTime: startTime,

		activeCallsDesc: prometheus.NewDesc(
			"vmrouter_active_calls",
			"Number of calls currently being routed or recorded",
			nil, nil,
		),
		callsTotalDesc: prometheus.NewDesc(
			"vmrouter_calls_total",
			"Calls handled since start by outcome",
			[]string{"outcome"}, nil,
		),
		projectsDesc: prometheus.NewDesc(
			"vmrouter_projects",
			"Number of projects, including the catch-all",
			nil, nil,
		),
		didsDesc: prometheus.NewDesc(
			"vmrouter_dids",
			"Number of DIDs by state",
			[]string{"state"}, nil,
		),
		voicemailsDesc: prometheus.NewDesc(
			"vmrouter_voicemails",
			"Stored voicemails by read state",
			[]string{"state"}, nil,
		),
		ingestDesc: prometheus.NewDesc(
			"vmrouter_ingest_total",
			"Recordings ingested since start",
			nil, nil,
		),
		ingestFailDesc: prometheus.NewDesc(
			"vmrouter_ingest_failures_total",
			"Ingestion step failures since start",
			[]string{"step"}, nil,
		),
		ingestBusyDesc: prometheus.NewDesc(
			"vmrouter_ingest_in_flight",
			"Recordings currently being ingested",
			nil, nil,
		),
		monitorDesc: prometheus.NewDesc(
			"vmrouter_did_lifecycle_total",
			"DID lifecycle monitor actions since start",
			[]string{"action"}, nil,
		),
		pbxUpDesc: prometheus.NewDesc(
			"vmrouter_pbx_connected",
			"Whether the AMI session is up (1) or down (0)",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"vmrouter_uptime_seconds",
			"Seconds since the vmrouter process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.callsTotalDesc
	ch <- c.projectsDesc
	ch <- c.didsDesc
	ch <- c.voicemailsDesc
	ch <- c.ingestDesc
	ch <- c.ingestFailDesc
	ch <- c.ingestBusyDesc
	ch <- c.monitorDesc
	ch <- c.pbxUpDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.calls != nil {
		s := c.calls.Stats()
		ch <- prometheus.MustNewConstMetric(c.activeCallsDesc, prometheus.GaugeValue, float64(s.Active))
		for outcome, v := range map[string]uint64{
			"routed":    s.Routed,
			"missed":    s.Missed,
			"completed": s.Completed,
			"failed":    s.Failed,
		} {
			ch <- prometheus.MustNewConstMetric(c.callsTotalDesc, prometheus.CounterValue, float64(v), outcome)
		}
	}

	if c.registry != nil {
		n := c.registry.Counts()
		ch <- prometheus.MustNewConstMetric(c.projectsDesc, prometheus.GaugeValue, float64(n.Projects))
		ch <- prometheus.MustNewConstMetric(c.didsDesc, prometheus.GaugeValue, float64(n.ActiveDIDs), "active")
		ch <- prometheus.MustNewConstMetric(c.didsDesc, prometheus.GaugeValue, float64(n.ArchivedDIDs), "archived")
		ch <- prometheus.MustNewConstMetric(c.voicemailsDesc, prometheus.GaugeValue, float64(n.NewVoicemails), "new")
		ch <- prometheus.MustNewConstMetric(c.voicemailsDesc, prometheus.GaugeValue, float64(n.Voicemails-n.NewVoicemails), "read")
	}

	if c.ingest != nil {
		s := c.ingest.Stats()
		ch <- prometheus.MustNewConstMetric(c.ingestDesc, prometheus.CounterValue, float64(s.Ingested))
		ch <- prometheus.MustNewConstMetric(c.ingestFailDesc, prometheus.CounterValue, float64(s.Failed), "ingest")
		ch <- prometheus.MustNewConstMetric(c.ingestFailDesc, prometheus.CounterValue, float64(s.TranscriptionFailures), "transcription")
		ch <- prometheus.MustNewConstMetric(c.ingestFailDesc, prometheus.CounterValue, float64(s.NotifyFailures), "notify")
		ch <- prometheus.MustNewConstMetric(c.ingestBusyDesc, prometheus.GaugeValue, float64(s.InFlight))
	}

	if c.monitor != nil {
		s := c.monitor.Stats()
		ch <- prometheus.MustNewConstMetric(c.monitorDesc, prometheus.CounterValue, float64(s.Archived), "archived")
		ch <- prometheus.MustNewConstMetric(c.monitorDesc, prometheus.CounterValue, float64(s.Alerted), "alerted")
		ch <- prometheus.MustNewConstMetric(c.monitorDesc, prometheus.CounterValue, float64(s.Failed), "failed")
	}

	if c.pbx != nil {
		up := 0.0
		if c.pbx.Connected() {
			up = 1.0
		}
		ch <- prometheus.MustNewConstMetric(c.pbxUpDesc, prometheus.GaugeValue, up)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}

// Handler serves c together with the Go runtime and process collectors on a
// private registry, so nothing else registered globally leaks into /metrics.
func Handler(c prometheus.Collector) (http.Handler, error) {
	reg := prometheus.NewRegistry()
	for _, col := range []prometheus.Collector{
		c,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}
