package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vitalvas/mqttv3"
)

const metricsShutdownTimeout = 5 * time.Second

// metricsServer exposes the client metrics on /metrics.
type metricsServer struct {
	collector *mqttv3.PrometheusMetrics
	registry  *prometheus.Registry
	listener  net.Listener
	server    *http.Server
	logger    mqttv3.Logger
}

func startMetricsServer(addr string, logger mqttv3.Logger) (*metricsServer, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for metrics: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	m := &metricsServer{
		collector: mqttv3.NewPrometheusMetrics(registry),
		registry:  registry,
		listener:  listener,
		server: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}

	go func() {
		if err := m.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", mqttv3.LogFields{mqttv3.LogFieldError: err.Error()})
		}
	}()

	logger.Info("serving metrics", mqttv3.LogFields{"address": listener.Addr().String()})

	return m, nil
}

// Addr returns the address the endpoint listens on.
func (m *metricsServer) Addr() string {
	return m.listener.Addr().String()
}

// Close shuts the endpoint down. A nil server is a no-op.
func (m *metricsServer) Close() {
	if m == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
	defer cancel()

	if err := m.server.Shutdown(ctx); err != nil {
		m.logger.Warn("metrics server shutdown failed", mqttv3.LogFields{mqttv3.LogFieldError: err.Error()})
	}
}
