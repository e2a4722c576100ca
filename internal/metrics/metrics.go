package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/icejuk/sipeksdk/internal/calllog"
	"github.com/icejuk/sipeksdk/internal/engine"
	"github.com/icejuk/sipeksdk/internal/feature"
	"github.com/icejuk/sipeksdk/internal/marshal"
	"github.com/icejuk/sipeksdk/internal/routing"
	"github.com/icejuk/sipeksdk/internal/session"
)

// ActiveCallsProvider exposes the number of calls not yet disconnected.
type ActiveCallsProvider interface {
	ActiveCallCount() int
}

// AccountStatusProvider exposes the registration status of each account.
type AccountStatusProvider interface {
	AccountStatuses() []session.AccountStatus
}

// BuddyCounter exposes the size of the buddy list.
type BuddyCounter interface {
	BuddyCount() int
}

// CallLogCounter returns call log counts grouped by type.
type CallLogCounter interface {
	CountByType(ctx context.Context) (map[calllog.Type]int, error)
}

// Collector is a prometheus.Collector that gathers session metrics at
// scrape time and counts session activity through its Observe methods.
type Collector struct {
	activeCalls ActiveCallsProvider
	accounts    AccountStatusProvider
	buddies     BuddyCounter
	callLog     CallLogCounter
	startTime   time.Time
	logger      *slog.Logger

	activeCallsDesc   *prometheus.Desc
	accountStatusDesc *prometheus.Desc
	buddiesDesc       *prometheus.Desc
	callLogDesc       *prometheus.Desc
	uptimeDesc        *prometheus.Desc

	notifications *prometheus.CounterVec
	connects      *prometheus.CounterVec
	dispatches    *prometheus.CounterVec
	events        *prometheus.CounterVec
	callLogWrites *prometheus.CounterVec
}

// NewCollector creates a new metrics collector. Any provider may be nil if
// unavailable.
func NewCollector(
	activeCalls ActiveCallsProvider,
	accounts AccountStatusProvider,
	buddies BuddyCounter,
	callLog CallLogCounter,
	startTime time.Time,
	logger *slog.Logger,
) *Collector {
	return &Collector{
		activeCalls: activeCalls,
		accounts:    accounts,
		buddies:     buddies,
		callLog:     callLog,
		startTime:   startTime,
		logger:      logger.With("subsystem", "metrics"),

		activeCallsDesc: prometheus.NewDesc(
			"sipek_active_calls",
			"Number of calls not yet disconnected",
			nil, nil,
		),
		accountStatusDesc: prometheus.NewDesc(
			"sipek_account_registered",
			"Account registration state (1=registered, 0=other)",
			[]string{"account_id", "uri", "status"}, nil,
		),
		buddiesDesc: prometheus.NewDesc(
			"sipek_buddies",
			"Number of buddies on the buddy list",
			nil, nil,
		),
		callLogDesc: prometheus.NewDesc(
			"sipek_call_log_entries",
			"Call log entries by type",
			[]string{"type"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"sipek_uptime_seconds",
			"Seconds since the process started",
			nil, nil,
		),

		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sipek_notifications_total",
			Help: "Host notifications delivered, by kind",
		}, []string{"kind"}),
		connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sipek_media_connects_total",
			Help: "Conference bridge connections requested by media routing",
		}, []string{"result"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sipek_service_requests_total",
			Help: "Feature service requests, by service and result",
		}, []string{"service", "result"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sipek_engine_events_total",
			Help: "Engine events handled, by type",
		}, []string{"type"}),
		callLogWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sipek_call_log_writes_total",
			Help: "Call log writes, by result",
		}, []string{"result"}),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.accountStatusDesc
	ch <- c.buddiesDesc
	ch <- c.callLogDesc
	ch <- c.uptimeDesc
	c.notifications.Describe(ch)
	c.connects.Describe(ch)
	c.dispatches.Describe(ch)
	c.events.Describe(ch)
	c.callLogWrites.Describe(ch)
}

// Collect implements prometheus.Collector. It queries all providers at
// scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.activeCalls != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeCallsDesc, prometheus.GaugeValue,
			float64(c.activeCalls.ActiveCallCount()),
		)
	}

	if c.accounts != nil {
		for _, a := range c.accounts.AccountStatuses() {
			val := 0.0
			if a.Status == engine.StatusOK {
				val = 1.0
			}
			ch <- prometheus.MustNewConstMetric(
				c.accountStatusDesc, prometheus.GaugeValue, val,
				fmt.Sprintf("%d", a.ID), a.URI, fmt.Sprintf("%d", a.Status),
			)
		}
	}

	if c.buddies != nil {
		ch <- prometheus.MustNewConstMetric(
			c.buddiesDesc, prometheus.GaugeValue,
			float64(c.buddies.BuddyCount()),
		)
	}

	if c.callLog != nil {
		counts, err := c.callLog.CountByType(ctx)
		if err != nil {
			c.logger.Error("failed to count call log by type", "error", err)
		} else {
			for _, typ := range []calllog.Type{calllog.Dialed, calllog.Received, calllog.Missed} {
				ch <- prometheus.MustNewConstMetric(
					c.callLogDesc, prometheus.GaugeValue,
					float64(counts[typ]), string(typ),
				)
			}
		}
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)

	c.notifications.Collect(ch)
	c.connects.Collect(ch)
	c.dispatches.Collect(ch)
	c.events.Collect(ch)
	c.callLogWrites.Collect(ch)
}

// ObserveNotification counts a delivered host notification.
func (c *Collector) ObserveNotification(kind marshal.Kind) {
	c.notifications.WithLabelValues(kind.String()).Inc()
}

// ObserveConnect counts a conference bridge connection.
func (c *Collector) ObserveConnect(_ routing.Connection, err error) {
	c.connects.WithLabelValues(result(err)).Inc()
}

// ObserveDispatch counts a feature service request.
func (c *Collector) ObserveDispatch(code feature.ServiceCode, err error) {
	c.dispatches.WithLabelValues(code.String(), result(err)).Inc()
}

// ObserveEvent counts an engine event by its type name.
func (c *Collector) ObserveEvent(ev engine.Event) {
	c.events.WithLabelValues(EventType(ev)).Inc()
}

// ObserveCallLogWrite counts a call log write.
func (c *Collector) ObserveCallLogWrite(_ calllog.Entry, err error) {
	c.callLogWrites.WithLabelValues(result(err)).Inc()
}

// EventType returns the bare type name of ev, e.g. "CallStateChanged".
func EventType(ev engine.Event) string {
	name := fmt.Sprintf("%T", ev)
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	return name
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
