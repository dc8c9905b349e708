package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus collectors for the service. A nil *Metrics is valid and records nothing.
type Metrics struct {
	EventsIngested      *prometheus.CounterVec
	StoreFailures       *prometheus.CounterVec
	Broadcasts          *prometheus.CounterVec
	DroppedConnections  prometheus.Counter
	DashboardsConnected prometheus.Gauge
	EventLogWrites      *prometheus.CounterVec
	TaskRuns            *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "visitorpulse_events_ingested_total",
			Help: "Visitor events accepted by the ingestion path",
		}, []string{"type", "outcome"}),
		StoreFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "visitorpulse_store_failures_total",
			Help: "Shared state store operations that failed",
		}, []string{"operation"}),
		Broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "visitorpulse_broadcasts_total",
			Help: "Messages multicast to dashboard connections",
		}, []string{"type"}),
		DroppedConnections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "visitorpulse_dashboard_connections_dropped_total",
			Help: "Dashboard connections dropped because they could not take a message",
		}),
		DashboardsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "visitorpulse_dashboards_connected",
			Help: "Dashboard connections held by this instance",
		}),
		EventLogWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "visitorpulse_event_log_writes_total",
			Help: "Events written to the durable log",
		}, []string{"outcome"}),
		TaskRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "visitorpulse_task_runs_total",
			Help: "Periodic task executions",
		}, []string{"task", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.EventsIngested,
			m.StoreFailures,
			m.Broadcasts,
			m.DroppedConnections,
			m.DashboardsConnected,
			m.EventLogWrites,
			m.TaskRuns,
		)
	}
	return m
}

func (m *Metrics) IncEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.EventsIngested.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) IncStoreFailure(op string) {
	if m == nil {
		return
	}
	m.StoreFailures.WithLabelValues(op).Inc()
}

func (m *Metrics) IncBroadcast(msgType string) {
	if m == nil {
		return
	}
	m.Broadcasts.WithLabelValues(msgType).Inc()
}

func (m *Metrics) IncDropped() {
	if m == nil {
		return
	}
	m.DroppedConnections.Inc()
}

func (m *Metrics) SetDashboards(n int) {
	if m == nil {
		return
	}
	m.DashboardsConnected.Set(float64(n))
}

func (m *Metrics) AddEventLogWrites(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.EventLogWrites.WithLabelValues(outcome).Add(float64(n))
}

func (m *Metrics) IncTask(task, outcome string) {
	if m == nil {
		return
	}
	m.TaskRuns.WithLabelValues(task, outcome).Inc()
}
