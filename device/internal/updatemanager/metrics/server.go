package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultEndpoint = "/metrics"

// Server exposes a registry over http
type Server struct {
	Registry *prometheus.Registry
	Endpoint string

	*http.Server
}

// NewServer returns a server listening on addr with a registry already
// holding the go runtime and process collectors
func NewServer(addr, endpoint string) *Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if endpoint == "" {
		endpoint = defaultEndpoint
	}

	router := http.NewServeMux()
	router.Handle(endpoint, promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true}))

	return &Server{
		Registry: reg,
		Endpoint: endpoint,
		Server: &http.Server{
			Addr:    addr,
			Handler: router,
		},
	}
}

// Shutdown stops the metrics server
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.Server.Shutdown(ctx); err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}
