package policy

import (
	"context"

	"github.com/rs/zerolog"
)

// NewAdmission loads the modules under paths into a new engine and, when watch
// is set, keeps the engine in sync with the files until ctx ends. With no paths
// the engine admits everything.
func NewAdmission(ctx context.Context, paths []string, watch bool, logger zerolog.Logger) (*Engine, error) {
	engine := NewEngine(logger)
	if len(paths) == 0 {
		return engine, nil
	}

	loader := NewLoader(logger)
	policies, err := loader.LoadFromPaths(paths)
	if err != nil {
		return nil, err
	}
	if err := engine.Load(ctx, policies); err != nil {
		return nil, err
	}

	if watch {
		if err := loader.Watch(ctx, paths, engine.Load); err != nil {
			return nil, err
		}
	}
	return engine, nil
}
