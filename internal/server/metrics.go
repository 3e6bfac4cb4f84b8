package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metricsHandler exposes the process's distribution counters for scraping.
func (co *Core) metricsHandler() http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "relay_active_connections",
		Help: "Connections currently registered on this process.",
	}, func() float64 {
		return float64(co.registry.Len())
	}))
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "relay_local_rooms",
		Help: "Rooms with at least one local member.",
	}, func() float64 {
		return float64(co.table.Rooms())
	}))
	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "relay_events_delivered_total",
		Help: "Outbound frames enqueued for delivery.",
	}, func() float64 {
		return float64(co.pipeline.Stats().Delivered)
	}))
	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "relay_events_dropped_total",
		Help: "Outbound frames shed by backpressure or detached targets.",
	}, func() float64 {
		return float64(co.pipeline.Stats().Dropped)
	}))
	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "relay_slow_consumer_closes_total",
		Help: "Connections force-closed by the slow-consumer policy.",
	}, func() float64 {
		return float64(co.pipeline.Stats().SlowConsumers)
	}))

	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
