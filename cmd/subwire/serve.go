package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/gops/agent"
	"github.com/scott-cotton/cli"

	"github.com/subwire/subwire/engine/docengine"
	"github.com/subwire/subwire/server"
)

type ServeConfig struct {
	*MainConfig
	Serve      *cli.Command
	ConfigFile string `cli:"name=config desc='configuration file (json)'"`
	Addr       string `cli:"name=addr desc='TCP listen address' default=localhost:9230"`
	HTTPAddr   string `cli:"name=http desc='HTTP listen address for websocket clients (empty: disabled)'"`
	SeedFile   string `cli:"name=seed desc='JSON file of initial documents (name -> value)'"`
}

func ServeCommand(mainCfg *MainConfig) *cli.Command {
	cfg := &ServeConfig{MainConfig: mainCfg, Addr: "localhost:9230"}
	opts, err := cli.StructOpts(cfg)
	if err != nil {
		panic(err)
	}
	return cli.NewCommandAt(&cfg.Serve, "serve").
		WithSynopsis("serve [-addr <addr>] [-http <addr>] [-config <file>] [-seed <file>]").
		WithDescription("run the subscription transport server over the document engine").
		WithOpts(opts...).
		WithRun(func(cc *cli.Context, args []string) error {
			return serve(cfg, cc, args)
		})
}

func serve(cfg *ServeConfig, cc *cli.Context, args []string) error {
	_, err := cfg.Serve.Parse(cc, args)
	if err != nil {
		return err
	}

	// Start gops agent for debugging
	if err := agent.Listen(agent.Options{}); err != nil {
		fmt.Fprintf(cc.Out, "gops agent failed: %v\n", err)
	}

	// Load configuration
	var serverConfig *server.Config
	if cfg.ConfigFile != "" {
		serverConfig, err = server.LoadConfig(cfg.ConfigFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := serverConfig.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
	}

	store := docengine.New(nil)
	if cfg.SeedFile != "" {
		if err := seedStore(store, cfg.SeedFile); err != nil {
			return err
		}
	}

	srv, err := server.New(&server.Spec{
		Config: serverConfig,
		Engine: store,
	})
	if err != nil {
		return err
	}

	if err := srv.StartTCP(cfg.Addr); err != nil {
		return fmt.Errorf("failed to start TCP listener: %w", err)
	}
	defer srv.StopTCP()
	fmt.Fprintf(cc.Out, "subwire listening on %s\n", srv.TCPAddr())

	if cfg.HTTPAddr != "" {
		go func() {
			if err := http.ListenAndServe(cfg.HTTPAddr, srv.Handler()); err != nil {
				srv.Spec.Log.Error("HTTP listener error", "error", err)
			}
		}()
		fmt.Fprintf(cc.Out, "websocket clients on http://%s\n", cfg.HTTPAddr)
	}

	// Block until interrupted
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	return nil
}

// seedStore loads initial documents from a JSON file mapping names to
// values.
func seedStore(store *docengine.Store, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read seed file: %w", err)
	}
	var docs map[string]json.RawMessage
	if err := json.Unmarshal(data, &docs); err != nil {
		return fmt.Errorf("failed to parse seed file: %w", err)
	}
	for name, value := range docs {
		if _, err := store.Put(name, value); err != nil {
			return fmt.Errorf("failed to seed %q: %w", name, err)
		}
	}
	return nil
}
