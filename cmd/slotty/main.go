package main

import (
	"context"
	"os"

	"github.com/Lord-Y/slotty/cmd/slotty/commands"
	"github.com/Lord-Y/slotty/logger"
	"github.com/urfave/cli/v3"
)

func main() {
	cmd := cli.Command{
		Name:                  "slotty",
		Usage:                 "Clustering layer of a time series database",
		Description:           "Runs a slotty node serving partitioned and replicated slots",
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			commands.Server(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		logger.NewLogger().Fatal().Err(err).Msg("Error occured while executing the program")
	}
}
