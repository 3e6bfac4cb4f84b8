package server

import "net/http"

// SetupRoutes wires the core's HTTP surface into a ServeMux.
func SetupRoutes(co *Core) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", co.HandleHealth)
	mux.HandleFunc("/ws", co.HandleWebSocket)
	mux.Handle("/metrics", co.metricsHandler())
	return mux
}
