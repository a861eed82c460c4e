package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "aviator_client"

var (
	RoundRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "round_refreshes_total",
		Help:      "Current-round fetches by trigger and result.",
	}, []string{"trigger", "result"})

	WalletRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "wallet_refreshes_total",
		Help:      "Wallet and deposit fetches by result.",
	}, []string{"result"})

	ChangeNotifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "change_notifications_total",
		Help:      "Change notifications received per table, including ignored ones.",
	}, []string{"table", "applied"})

	BetSubmissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bet_submissions_total",
		Help:      "Bet submissions by outcome.",
	}, []string{"outcome"})

	SessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_transitions_total",
		Help:      "Identity changes observed by the session manager.",
	}, []string{"event"})

	UIClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ui_clients",
		Help:      "Connected websocket snapshot subscribers.",
	})
)

func Applied(ok bool) string {
	if ok {
		return "true"
	}
	return "false"
}
