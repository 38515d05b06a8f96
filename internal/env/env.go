// Package env carries the process-wide collaborators every component needs.
// One Env is built at startup and passed down explicitly; nothing here is a
// global.
package env

import (
	bclock "github.com/benbjohnson/clock"

	"tradegate/internal/clock"
	"tradegate/internal/obs"
)

// Env bundles the clocks, id generator, logger and metrics.
type Env struct {
	Wall    clock.Wall
	Mono    clock.Monotonic
	IDs     clock.IDGenerator
	Log     obs.Logger
	Metrics *obs.Metrics
}

// New builds an Env on the real clock.
func New(log obs.Logger, metrics *obs.Metrics) Env {
	c := bclock.New()
	if log == nil {
		log = obs.NewLogger("")
	}
	return Env{
		Wall:    clock.NewWall(c),
		Mono:    clock.NewMonotonic(c),
		IDs:     clock.NewIDGenerator(),
		Log:     log,
		Metrics: metrics,
	}
}

// NewTest builds an Env on c, usually a *clock.Mock for deterministic tests.
// Logging is discarded and metrics are not collected.
func NewTest(c bclock.Clock) Env {
	return Env{
		Wall: clock.NewWall(c),
		Mono: clock.NewMonotonic(c),
		IDs:  clock.NewIDGenerator(),
		Log:  obs.NopLogger{},
	}
}

// Named returns a copy whose logger is tagged with component.
func (e Env) Named(component string) Env {
	e.Log = obs.Named(e.Log, component)
	return e
}
