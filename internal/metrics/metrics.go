package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Logins          *prometheus.CounterVec
	ChatTurns       *prometheus.CounterVec
	TokensCommitted prometheus.Counter
	Payments        *prometheus.CounterVec
	RateLimited     *prometheus.CounterVec
	UpdatesTotal    prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

// Global returns the process-wide metrics registered on the default registry.
func Global() *Metrics {
	once.Do(func() {
		global = New()
		prometheus.MustRegister(
			global.Logins,
			global.ChatTurns,
			global.TokensCommitted,
			global.Payments,
			global.RateLimited,
			global.UpdatesTotal,
		)
	})
	return global
}

// New builds unregistered collectors.
func New() *Metrics {
	return &Metrics{
		Logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "starchat",
			Name:      "logins_total",
			Help:      "Login attempts by result",
		}, []string{"result"}),
		ChatTurns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "starchat",
			Name:      "chat_turns_total",
			Help:      "Chat turns by final state",
		}, []string{"outcome"}),
		TokensCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "starchat",
			Name:      "tokens_committed_total",
			Help:      "Estimated tokens charged against user quotas",
		}),
		Payments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "starchat",
			Name:      "payments_total",
			Help:      "Payment events by result",
		}, []string{"result"}),
		RateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "starchat",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by a rate limiter",
		}, []string{"limiter"}),
		UpdatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "starchat",
			Name:      "telegram_updates_total",
			Help:      "Total telegram updates received",
		}),
	}
}
