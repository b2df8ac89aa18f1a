package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Collectors holds the application metrics. A nil *Collectors records nothing.
type Collectors struct {
	statesIssued     prometheus.Counter
	callbackOutcomes *prometheus.CounterVec
	messagesSent     *prometheus.CounterVec
	messageRetries   prometheus.Counter
	webhookEvents    *prometheus.CounterVec
	tokenRefreshes   *prometheus.CounterVec
	statesSwept      prometheus.Counter
}

// NewRegistry creates a registry with the Go runtime and process collectors
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// New creates the application collectors and registers them on reg
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		statesIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tagtokn_oauth_states_issued_total",
			Help: "Total number of OAuth state tokens issued.",
		}),
		callbackOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tagtokn_oauth_callbacks_total",
			Help: "OAuth callbacks by outcome code.",
		}, []string{"outcome"}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tagtokn_messages_total",
			Help: "Outbound messages by result.",
		}, []string{"result"}),
		messageRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tagtokn_message_retries_total",
			Help: "Total number of outbound message retry attempts.",
		}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tagtokn_webhook_requests_total",
			Help: "Inbound webhook requests by result.",
		}, []string{"result"}),
		tokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tagtokn_token_refreshes_total",
			Help: "Provider token refreshes by result.",
		}, []string{"result"}),
		statesSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tagtokn_oauth_states_swept_total",
			Help: "Total number of expired OAuth states deleted by the scheduled sweep.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			c.statesIssued,
			c.callbackOutcomes,
			c.messagesSent,
			c.messageRetries,
			c.webhookEvents,
			c.tokenRefreshes,
			c.statesSwept,
		)
	}

	return c
}

func (c *Collectors) StateIssued() {
	if c == nil {
		return
	}
	c.statesIssued.Inc()
}

func (c *Collectors) CallbackOutcome(outcome string) {
	if c == nil {
		return
	}
	c.callbackOutcomes.WithLabelValues(outcome).Inc()
}

func (c *Collectors) MessageSent(result string) {
	if c == nil {
		return
	}
	c.messagesSent.WithLabelValues(result).Inc()
}

func (c *Collectors) MessageRetried() {
	if c == nil {
		return
	}
	c.messageRetries.Inc()
}

func (c *Collectors) WebhookRequest(result string) {
	if c == nil {
		return
	}
	c.webhookEvents.WithLabelValues(result).Inc()
}

func (c *Collectors) TokenRefreshes(refreshed, failed int) {
	if c == nil {
		return
	}
	c.tokenRefreshes.WithLabelValues("refreshed").Add(float64(refreshed))
	c.tokenRefreshes.WithLabelValues("failed").Add(float64(failed))
}

func (c *Collectors) StatesSwept(n int64) {
	if c == nil {
		return
	}
	c.statesSwept.Add(float64(n))
}
