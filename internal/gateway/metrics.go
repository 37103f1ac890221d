package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var deliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tradehook",
	Subsystem: "gateway",
	Name:      "deliveries_total",
	Help:      "Webhook deliveries by outcome.",
}, []string{"outcome"})
