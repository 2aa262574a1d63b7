package commands

import (
	"context"

	"github.com/Lord-Y/slotty/cmd/slotty/server"
	"github.com/Lord-Y/slotty/logger"
	"github.com/urfave/cli/v3"
)

// Server returns the command starting a node
func Server() *cli.Command {
	var app server.Server

	return &cli.Command{
		Name:  "server",
		Usage: "Allow us to start a node",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "yaml configuration file, flags override its values",
				Destination: &app.ConfigFile,
			},
			&cli.StringFlag{
				Name:        "host",
				Usage:       "Address used by other nodes to reach this one",
				Destination: &app.Host,
			},
			&cli.IntFlag{
				Name:        "meta-port",
				Aliases:     []string{"mp"},
				Usage:       "port serving cluster rpcs",
				Destination: &app.MetaPort,
			},
			&cli.IntFlag{
				Name:        "data-port",
				Aliases:     []string{"dp"},
				Usage:       "port advertised to database clients",
				Destination: &app.DataPort,
			},
			&cli.IntFlag{
				Name:        "identifier",
				Aliases:     []string{"id"},
				Usage:       "unique identifier of the node on the ring",
				Destination: &app.Identifier,
			},
			&cli.IntFlag{
				Name:        "http-port",
				Aliases:     []string{"hp"},
				Usage:       "http port of the admin api",
				Value:       15080,
				Destination: &app.HTTPPort,
			},
			&cli.StringFlag{
				Name:        "data-dir",
				Aliases:     []string{"d"},
				Usage:       "directory of the bolt database",
				Destination: &app.DataDir,
			},
			&cli.StringFlag{
				Name:        "metrics-address",
				Usage:       "address serving prometheus metrics",
				Destination: &app.MetricsAddress,
			},
			&cli.StringSliceFlag{
				Name:        "seed",
				Aliases:     []string{"s"},
				Usage:       "initial node as ip:metaPort:dataPort/identifier, this flag is repeatable",
				Destination: &app.Seeds,
			},
			&cli.StringSliceFlag{
				Name:        "join",
				Aliases:     []string{"j"},
				Usage:       "node of an existing cluster as ip:metaPort:dataPort/identifier, this flag is repeatable",
				Destination: &app.Join,
			},
		},
		Action: func(context.Context, *cli.Command) error {
			app.Logger = logger.NewLogger()

			return app.Start()
		},
	}
}
