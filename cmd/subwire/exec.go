package main

import (
	"encoding/json"
	"fmt"

	"github.com/scott-cotton/cli"

	"github.com/subwire/subwire/api"
)

type ExecConfig struct {
	*MainConfig
	Exec  *cli.Command
	Addr  string `cli:"name=addr desc='server address' default=localhost:9230"`
	Init  string `cli:"name=init desc='connection_init payload (json)'"`
	Color bool   `cli:"name=color desc='force colored output'"`
}

func ExecCommand(mainCfg *MainConfig) *cli.Command {
	cfg := &ExecConfig{MainConfig: mainCfg, Addr: "localhost:9230"}
	opts, err := cli.StructOpts(cfg)
	if err != nil {
		panic(err)
	}
	return cli.NewCommandAt(&cfg.Exec, "exec").
		WithSynopsis("exec [-addr <addr>] [-init <json>] <doc>").
		WithDescription("run a one-shot read of a document and print the result").
		WithOpts(opts...).
		WithRun(func(cc *cli.Context, args []string) error {
			return execRun(cfg, cc, args)
		})
}

func execRun(cfg *ExecConfig, cc *cli.Context, args []string) error {
	args, err := cfg.Exec.Parse(cc, args)
	if err != nil {
		return err
	}
	if len(args) != 1 {
		return fmt.Errorf("exec expects exactly one document name")
	}
	doc := args[0]

	c, err := dialAndInit(cfg.Addr, cfg.Init)
	if err != nil {
		return err
	}
	defer c.Close()

	payload, err := json.Marshal(map[string]string{"op": "get", "doc": doc})
	if err != nil {
		return err
	}
	if err := c.Subscribe("exec", payload); err != nil {
		return err
	}

	printer := newFramePrinter(cc.Out, false, cfg.Color)
	for frame := range c.Frames() {
		printer.print(frame)
		if frame.Response != nil && frame.Response.Type == api.TypeComplete {
			return nil
		}
		if frame.Err != nil {
			return frame.Err
		}
	}
	return nil
}
