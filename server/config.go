package server

import (
	"log/slog"

	"github.com/subwire/subwire/engine"
)

// Spec holds the runtime specification for the server.
// Config contains the serializable settings loaded from a file.
type Spec struct {
	Config *Config
	Engine engine.Engine
	Log    *slog.Logger
}
