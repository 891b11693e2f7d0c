package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/scott-cotton/cli"

	"github.com/subwire/subwire/api"
	"github.com/subwire/subwire/client"
)

type TailConfig struct {
	*MainConfig
	Tail  *cli.Command
	Addr  string `cli:"name=addr desc='server address' default=localhost:9230"`
	Init  string `cli:"name=init desc='connection_init payload (json)'"`
	Diff  bool   `cli:"name=diff desc='show successive results as diffs'"`
	Color bool   `cli:"name=color desc='force colored output'"`
}

func TailCommand(mainCfg *MainConfig) *cli.Command {
	cfg := &TailConfig{MainConfig: mainCfg, Addr: "localhost:9230"}
	opts, err := cli.StructOpts(cfg)
	if err != nil {
		panic(err)
	}
	return cli.NewCommandAt(&cfg.Tail, "tail").
		WithSynopsis("tail [-addr <addr>] [-init <json>] [-diff] <doc>").
		WithDescription("subscribe to a document and print each revision").
		WithOpts(opts...).
		WithRun(func(cc *cli.Context, args []string) error {
			return tail(cfg, cc, args)
		})
}

func tail(cfg *TailConfig, cc *cli.Context, args []string) error {
	args, err := cfg.Tail.Parse(cc, args)
	if err != nil {
		return err
	}
	if len(args) != 1 {
		return fmt.Errorf("tail expects exactly one document name")
	}
	doc := args[0]

	c, err := dialAndInit(cfg.Addr, cfg.Init)
	if err != nil {
		return err
	}
	defer c.Close()

	payload, err := json.Marshal(map[string]string{"op": "watch", "doc": doc})
	if err != nil {
		return err
	}
	if err := c.Subscribe("tail", payload); err != nil {
		return err
	}

	printer := newFramePrinter(cc.Out, cfg.Diff, cfg.Color)
	for frame := range c.Frames() {
		printer.print(frame)
		if frame.Response != nil && frame.Response.Type == api.TypeComplete {
			return nil
		}
	}
	return nil
}

func dialAndInit(addr, initPayload string) (*client.Client, error) {
	c, err := client.Dial(addr)
	if err != nil {
		return nil, err
	}

	var payload json.RawMessage
	if initPayload != "" {
		if !json.Valid([]byte(initPayload)) {
			c.Close()
			return nil, fmt.Errorf("init payload is not valid JSON")
		}
		payload = json.RawMessage(initPayload)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Init(ctx, payload); err != nil {
		c.Close()
		return nil, fmt.Errorf("handshake failed: %w", err)
	}
	return c, nil
}
