package main

import (
	"github.com/scott-cotton/cli"
)

type MainConfig struct {
	Main *cli.Command
}

func MainCommand() *cli.Command {
	cfg := &MainConfig{}
	return cli.NewCommandAt(&cfg.Main, "subwire").
		WithSynopsis("subwire command [opts]").
		WithDescription("subwire is a subscription transport server and client toolkit.").
		WithSubs(
			ServeCommand(cfg),
			TailCommand(cfg),
			ExecCommand(cfg))
}
