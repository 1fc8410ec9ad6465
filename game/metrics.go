package game

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const gameMetricsNamespace = "flip10"

var (
	sessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: gameMetricsNamespace,
		Name:      "sessions_started_total",
		Help:      "Total number of game sessions started.",
	})

	sessionsFinalized = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: gameMetricsNamespace,
		Name:      "sessions_finalized_total",
		Help:      "Total number of game sessions finalized.",
	})

	flipsPerformed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: gameMetricsNamespace,
		Name:      "flips_total",
		Help:      "Total flips applied, labeled by outcome.",
	}, []string{"result"})

	creditsGranted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: gameMetricsNamespace,
		Name:      "credits_granted_total",
		Help:      "Total flip credits granted from on-chain purchases.",
	})

	creditsSpent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: gameMetricsNamespace,
		Name:      "credits_spent_total",
		Help:      "Total flip credits consumed by accepted flips.",
	})

	headsProbabilityGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: gameMetricsNamespace,
		Name:      "heads_probability",
		Help:      "Current session heads probability.",
	})

	activePlayersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: gameMetricsNamespace,
		Name:      "active_players",
		Help:      "Players seen in the current session.",
	})
)
