// Package metrics turns bus events into Prometheus counters.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"campaignbot/internal/delivery"
	"campaignbot/internal/dispatch"
	"campaignbot/internal/eventbus"
	"campaignbot/internal/storage"
)

type Metrics struct {
	Deliveries      *prometheus.CounterVec
	Skipped         *prometheus.CounterVec
	Enqueued        *prometheus.CounterVec
	MailingsClaimed prometheus.Counter
	JobsLeased      prometheus.Counter
	Broadcasts      prometheus.Counter
	Tasks           *prometheus.CounterVec
	Jobs            *prometheus.GaugeVec
	Recipients      *prometheus.GaugeVec
}

func New() *Metrics {
	return &Metrics{
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "campaignbot_deliveries_total",
			Help: "Delivery attempts by campaign kind, status and action",
		}, []string{"campaign_kind", "status", "action"}), // action: success|deactivate|error
		Skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "campaignbot_deliveries_skipped_total",
			Help: "Delivery units that ended without a send",
		}, []string{"reason"}),
		Enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "campaignbot_units_enqueued_total",
			Help: "Delivery units created by dispatch",
		}, []string{"campaign_kind"}),
		MailingsClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "campaignbot_mailings_claimed_total",
			Help: "Mailings claimed by a dispatch pass",
		}),
		JobsLeased: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "campaignbot_jobs_leased_total",
			Help: "Jobs leased from the durable queue",
		}),
		Broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "campaignbot_broadcasts_reported_total",
			Help: "Operator broadcasts whose result was reported back",
		}),
		Tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "campaignbot_tasks_total",
			Help: "Task engine results",
		}, []string{"result"}), // finished|failed|dropped|skipped
		Jobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "campaignbot_jobs",
			Help: "Durable queue size by state",
		}, []string{"state"}),
		Recipients: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "campaignbot_recipients",
			Help: "Registered recipients",
		}, []string{"active"}),
	}
}

func (m *Metrics) MustRegister(r prometheus.Registerer) {
	r.MustRegister(
		m.Deliveries,
		m.Skipped,
		m.Enqueued,
		m.MailingsClaimed,
		m.JobsLeased,
		m.Broadcasts,
		m.Tasks,
		m.Jobs,
		m.Recipients,
	)
}

// Observe updates counters for one event. Unknown events are ignored.
func (m *Metrics) Observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.TypeDeliveryOutcome:
		o, ok := e.Data.(delivery.Outcome)
		if !ok {
			return
		}
		if o.Skipped != "" {
			m.Skipped.WithLabelValues(o.Skipped).Inc()
			return
		}
		m.Deliveries.WithLabelValues(string(o.CampaignKind), string(o.Status), o.Action.String()).Inc()
	case eventbus.TypeUnitsEnqueued:
		if u, ok := e.Data.(dispatch.UnitsEnqueued); ok {
			m.Enqueued.WithLabelValues(string(u.CampaignKind)).Add(float64(u.Units))
		}
	case eventbus.TypeMailingClaimed:
		m.MailingsClaimed.Inc()
	case eventbus.TypeJobsLeased:
		if n, ok := e.Data.(int); ok {
			m.JobsLeased.Add(float64(n))
		}
	case eventbus.TypeBroadcastReported:
		m.Broadcasts.Inc()
	case eventbus.TypeTaskFinished:
		m.Tasks.WithLabelValues("finished").Inc()
	case eventbus.TypeTaskFailed:
		m.Tasks.WithLabelValues("failed").Inc()
	case eventbus.TypeTaskDropped:
		m.Tasks.WithLabelValues("dropped").Inc()
	case eventbus.TypeTaskSkipped:
		m.Tasks.WithLabelValues("skipped").Inc()
	}
}

// Run consumes bus events until ctx ends.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) {
	ch, unsub := bus.Subscribe(1024)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			m.Observe(e)
		}
	}
}

// SetQueue publishes a queue snapshot.
func (m *Metrics) SetQueue(st storage.QueueStats) {
	m.Jobs.WithLabelValues("pending").Set(float64(st.Pending))
	m.Jobs.WithLabelValues("due").Set(float64(st.Due))
	m.Jobs.WithLabelValues("running").Set(float64(st.Running))
	m.Jobs.WithLabelValues("done").Set(float64(st.Done))
	m.Jobs.WithLabelValues("failed").Set(float64(st.Failed))
}

func (m *Metrics) SetRecipients(active, total int) {
	m.Recipients.WithLabelValues("true").Set(float64(active))
	m.Recipients.WithLabelValues("false").Set(float64(total - active))
}
