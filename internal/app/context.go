package app

import (
	"github.com/newsreap/newsreap/internal/config"
	"github.com/newsreap/newsreap/internal/logger"
)

// Pool is the slice of the connection manager the status surface needs.
// This allows the API to report on the pool without importing the manager
// package. Implemented by manager.Manager.
type Pool interface {
	Stats() (total, available, queued int)
	GrowTo(n int)
	Close()
}

// Context holds the core environment and shared resources for newsreap.
// It acts as the "Single Source of Truth" for the application state.
type Context struct {
	Config *config.Config
	Logger *logger.Logger

	// Pool is set once the connection manager is up.
	Pool Pool
}

// NewContext initializes the base environment.
func NewContext(cfg *config.Config, log *logger.Logger) *Context {
	return &Context{
		Config: cfg,
		Logger: log,
	}
}
