package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// newAPIServer will build the api server config
func (s *Server) newAPIServer() {
	s.apiServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.HTTPPort),
		Handler: s.newAPIRouters(),
	}
}

// startAPIServer will start the api server
func (s *Server) startAPIServer() {
	go func() {
		if err := s.apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.Logger.Fatal().Err(err).Msg("Startup api server failed")
		}
	}()
}

// stopAPIServer will stop the api server
func (s *Server) stopAPIServer() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := s.apiServer.Shutdown(ctx); err != nil {
		s.Logger.Error().Err(err).Msg("API server shutted down abruptly")
	}
}

// startMetricsServer serves prometheus metrics when an address is configured
func (s *Server) startMetricsServer() {
	if s.config.MetricsAddress == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	s.metricsServer = &http.Server{Addr: s.config.MetricsAddress, Handler: mux}
	go func() {
		if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.Logger.Error().Err(err).Str("metricsAddress", s.config.MetricsAddress).Msg("Metrics server failed")
		}
	}()
}

func (s *Server) stopMetricsServer() {
	if s.metricsServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = s.metricsServer.Shutdown(ctx)
}
