package auth

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const authMetricsNamespace = "flip10"

var (
	noncesIssued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: authMetricsNamespace,
		Name:      "auth_nonces_issued_total",
		Help:      "Total login nonces issued.",
	})

	authVerifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: authMetricsNamespace,
		Name:      "auth_verifications_total",
		Help:      "Total signature verification attempts, labeled by result.",
	}, []string{"result"})
)
