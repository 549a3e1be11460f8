package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SessionStatsProvider exposes live session counts from the registry.
type SessionStatsProvider interface {
	Count() int
	CountByStatus() map[string]int
}

// RelayStatsProvider exposes the number of active media relays.
type RelayStatsProvider interface {
	ActiveCount() int
}

// TransferStatsProvider exposes transfer outcome counters.
type TransferStatsProvider interface {
	Completed() int64
	Failed() int64
}

// ReportStatsProvider exposes report delivery counters.
type ReportStatsProvider interface {
	Delivered() int64
	Failed() int64
}

// CallRecordCounter returns the number of persisted calls that were
// reported to the automation webhook.
type CallRecordCounter interface {
	CountReported(ctx context.Context) (int64, error)
}

// Collector is a prometheus.Collector that gathers BridgeCall metrics at scrape time.
type Collector struct {
	sessions  SessionStatsProvider
	relays    RelayStatsProvider
	transfers TransferStatsProvider
	reports   ReportStatsProvider
	records   CallRecordCounter
	startTime time.Time

	// Metric descriptors.
	sessionsDesc         *prometheus.Desc
	sessionsByStatusDesc *prometheus.Desc
	relaysDesc           *prometheus.Desc
	transfersDesc        *prometheus.Desc
	reportsDesc          *prometheus.Desc
	recordsReportedDesc  *prometheus.Desc
	uptimeDesc           *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if unavailable.
func NewCollector(
	sessions SessionStatsProvider,
	relays RelayStatsProvider,
	transfers TransferStatsProvider,
	reports ReportStatsProvider,
	records CallRecordCounter,
	startTime time.Time,
) *Collector {
	return &Collector{
		sessions:  sessions,
		relays:    relays,
		transfers: transfers,
		reports:   reports,
		records:   records,
		startTime: startTime,

		sessionsDesc: prometheus.NewDesc(
			"bridgecall_sessions_active",
			"Number of call sessions currently tracked in the registry",
			nil, nil,
		),
		sessionsByStatusDesc: prometheus.NewDesc(
			"bridgecall_sessions_by_status",
			"Tracked call sessions grouped by provider status",
			[]string{"status"}, nil,
		),
		relaysDesc: prometheus.NewDesc(
			"bridgecall_relays_active",
			"Number of active media relays bridging telephony to the AI leg",
			nil, nil,
		),
		transfersDesc: prometheus.NewDesc(
			"bridgecall_transfers_total",
			"Total transfer attempts by outcome",
			[]string{"outcome"}, nil,
		),
		reportsDesc: prometheus.NewDesc(
			"bridgecall_reports_total",
			"Total end-of-call report deliveries by outcome",
			[]string{"outcome"}, nil,
		),
		recordsReportedDesc: prometheus.NewDesc(
			"bridgecall_call_records_reported",
			"Persisted call records that were delivered to the automation webhook",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"bridgecall_uptime_seconds",
			"Seconds since the BridgeCall process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sessionsDesc
	ch <- c.sessionsByStatusDesc
	ch <- c.relaysDesc
	ch <- c.transfersDesc
	ch <- c.reportsDesc
	ch <- c.recordsReportedDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.sessions != nil {
		ch <- prometheus.MustNewConstMetric(
			c.sessionsDesc, prometheus.GaugeValue,
			float64(c.sessions.Count()),
		)
		for status, count := range c.sessions.CountByStatus() {
			ch <- prometheus.MustNewConstMetric(
				c.sessionsByStatusDesc, prometheus.GaugeValue,
				float64(count), status,
			)
		}
	}

	if c.relays != nil {
		ch <- prometheus.MustNewConstMetric(
			c.relaysDesc, prometheus.GaugeValue,
			float64(c.relays.ActiveCount()),
		)
	}

	if c.transfers != nil {
		ch <- prometheus.MustNewConstMetric(
			c.transfersDesc, prometheus.CounterValue,
			float64(c.transfers.Completed()), "complete",
		)
		ch <- prometheus.MustNewConstMetric(
			c.transfersDesc, prometheus.CounterValue,
			float64(c.transfers.Failed()), "failed",
		)
	}

	if c.reports != nil {
		ch <- prometheus.MustNewConstMetric(
			c.reportsDesc, prometheus.CounterValue,
			float64(c.reports.Delivered()), "delivered",
		)
		ch <- prometheus.MustNewConstMetric(
			c.reportsDesc, prometheus.CounterValue,
			float64(c.reports.Failed()), "failed",
		)
	}

	if c.records != nil {
		count, err := c.records.CountReported(ctx)
		if err != nil {
			slog.Error("metrics: failed to count reported call records", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(
				c.recordsReportedDesc, prometheus.GaugeValue,
				float64(count),
			)
		}
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
