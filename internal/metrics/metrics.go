package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Dial sessions

	SessionsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dialbridge_sessions_created_total",
			Help: "Dial session creation attempts by mode and outcome",
		},
		[]string{"mode", "outcome"},
	)

	ContactsSentTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dialbridge_contacts_sent_total",
			Help: "Dialable contacts sent to the dialer",
		},
	)

	ContactsSkippedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dialbridge_contacts_skipped_total",
			Help: "Records dropped during normalization for lack of phone or email",
		},
	)

	// Upstream APIs

	UpstreamErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dialbridge_upstream_errors_total",
			Help: "Failed calls to the CRM or dialer APIs",
		},
		[]string{"upstream", "operation"},
	)

	TokenRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dialbridge_crm_token_refreshes_total",
			Help: "CRM token refresh attempts",
		},
		[]string{"outcome"},
	)

	// Webhooks

	WebhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dialbridge_webhook_events_total",
			Help: "Dialer webhook deliveries by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	ContactDisplayedUnmatchedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dialbridge_contact_displayed_unmatched_total",
			Help: "Contact-displayed events whose lookup key did not resolve",
		},
	)

	SessionWriteConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dialbridge_session_write_conflicts_total",
			Help: "Optimistic session writes retried after a version conflict",
		},
	)

	// Live channel

	LiveConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dialbridge_live_connections",
			Help: "Open live update connections",
		},
		[]string{"transport"},
	)

	LiveEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dialbridge_live_events_total",
			Help: "Events pushed to live viewers",
		},
		[]string{"transport", "event"},
	)

	// Rate limiting

	RateLimitRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dialbridge_rate_limit_rejections_total",
			Help: "Requests rejected by the sliding window limiter",
		},
		[]string{"endpoint"},
	)
)
