package server

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/Lord-Y/slotty"
)

// buildConfig loads the configuration file when provided
// and applies flag overrides on top of it
func (s *Server) buildConfig() error {
	config := slotty.DefaultConfig()
	if s.ConfigFile != "" {
		var err error
		if config, err = slotty.LoadConfig(s.ConfigFile); err != nil {
			return err
		}
	}

	if s.Host != "" {
		config.Node.IP = s.Host
	}
	if s.MetaPort != 0 {
		config.Node.MetaPort = s.MetaPort
	}
	if s.DataPort != 0 {
		config.Node.DataPort = s.DataPort
	}
	if s.Identifier != 0 {
		config.Node.Identifier = int32(s.Identifier)
	}
	if config.Node.IP == "" {
		config.Node.IP = "127.0.0.1"
	}
	if config.Node.MetaPort == 0 {
		return fmt.Errorf("meta port is required")
	}
	if s.MetricsAddress != "" {
		config.MetricsAddress = s.MetricsAddress
	}
	if s.DataDir != "" {
		config.DataDir = s.DataDir
	}
	if config.DataDir == "" {
		config.DataDir = filepath.Join(os.TempDir(), "slotty", fmt.Sprintf("%d", config.Node.MetaPort))
	}

	seeds, err := parseNodes(s.Seeds)
	if err != nil {
		return err
	}
	if len(seeds) > 0 {
		config.Seeds = seeds
	}
	join, err := parseNodes(s.Join)
	if err != nil {
		return err
	}
	if len(join) > 0 {
		config.Join = join
	}

	if err := config.Validate(); err != nil {
		return err
	}
	s.config = config
	return nil
}

func parseNodes(values []string) ([]slotty.Node, error) {
	nodes := make([]slotty.Node, 0, len(values))
	for _, value := range values {
		node, err := slotty.ParseNode(value)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// buildSignal will build the signal required to stop the node
func (s *Server) buildSignal() {
	s.quit = make(chan os.Signal, 1)
	// kill -2 is syscall.SIGINT, kill with no param sends syscall.SIGTERM
	signal.Notify(s.quit, syscall.SIGINT, syscall.SIGTERM)
}
