package engicom

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the engine's Prometheus collectors. Components that are given
// no Metrics create an unregistered set so call sites never nil-check.
type Metrics struct {
	MessagesAppended      prometheus.Counter
	DuplicatesDropped     prometheus.Counter
	SendsConfirmed        prometheus.Counter
	SendsRolledBack       prometheus.Counter
	PendingSwept          prometheus.Counter
	NotificationsIngested prometheus.Counter
	AlertsRaised          prometheus.Counter
	AlertsSuppressed      prometheus.Counter
	BroadcastsDropped     prometheus.Counter
	Reconnects            prometheus.Counter
	OnlineUsers           prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
// Pass nil to create unregistered collectors (useful in tests).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engicom_cache_messages_appended_total",
			Help: "Messages inserted into the entity cache.",
		}),
		DuplicatesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engicom_cache_duplicates_dropped_total",
			Help: "Inbound messages ignored because their id was already cached.",
		}),
		SendsConfirmed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engicom_sends_confirmed_total",
			Help: "Optimistic sends reconciled with the server message.",
		}),
		SendsRolledBack: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engicom_sends_rolled_back_total",
			Help: "Optimistic sends removed after a failed request.",
		}),
		PendingSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engicom_cache_pending_swept_total",
			Help: "Dangling pending messages removed by the reconciliation sweep.",
		}),
		NotificationsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engicom_notifications_ingested_total",
			Help: "Notifications added to the feed.",
		}),
		AlertsRaised: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engicom_alerts_raised_total",
			Help: "Transient alerts surfaced to the user.",
		}),
		AlertsSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engicom_alerts_suppressed_total",
			Help: "Alerts withheld because the user was viewing the related item.",
		}),
		BroadcastsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engicom_broadcasts_dropped_total",
			Help: "Outbound broadcasts dropped while the transport was down.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engicom_realtime_reconnects_total",
			Help: "Realtime reconnect attempts.",
		}),
		OnlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engicom_presence_online_users",
			Help: "Users in the last presence snapshot.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.MessagesAppended, m.DuplicatesDropped,
			m.SendsConfirmed, m.SendsRolledBack, m.PendingSwept,
			m.NotificationsIngested, m.AlertsRaised, m.AlertsSuppressed,
			m.BroadcastsDropped, m.Reconnects, m.OnlineUsers,
		)
	}
	return m
}
