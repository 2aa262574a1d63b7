package server

import (
	"context"
	"fmt"

	"github.com/Lord-Y/slotty"
	"github.com/prometheus/client_golang/prometheus"
)

// Start will start the node and block until a stop signal is received
func (s *Server) Start() error {
	if err := s.buildConfig(); err != nil {
		return err
	}
	s.buildSignal()

	if err := s.newCluster(slotty.Options{Registerer: prometheus.DefaultRegisterer}); err != nil {
		return err
	}
	if err := s.cluster.Start(context.Background()); err != nil {
		s.cluster.Stop()
		return err
	}
	s.newAPIServer()
	s.startAPIServer()
	s.startMetricsServer()
	s.Logger.Info().
		Str("address", s.config.Node.MetaAddress()).
		Str("httpPort", fmt.Sprintf("%d", s.HTTPPort)).
		Msgf("Server started successfully")

	<-s.quit

	s.stopAPIServer()
	s.stopMetricsServer()
	s.cluster.Stop()
	s.Logger.Info().Msg("Server stopped successfully")
	return nil
}

// newCluster builds the cluster with the memory engine. Fields already
// set in options are kept
func (s *Server) newCluster(options slotty.Options) error {
	s.engine = slotty.NewMemoryEngine()
	options.Logger = s.Logger
	options.Config = s.config
	options.Engine = s.engine

	cluster, err := slotty.NewCluster(options)
	if err != nil {
		return err
	}
	s.cluster = cluster
	return nil
}
