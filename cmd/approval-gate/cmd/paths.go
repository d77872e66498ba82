package cmd

import (
	"fmt"

	"github.com/akaszubski/autonomous-dev-sub006/internal/config"
	"github.com/akaszubski/autonomous-dev-sub006/internal/domain/runtime"
)

// resolvedConfig loads the config, fixes the project root and makes its
// paths absolute without opening anything.
func resolvedConfig() (*config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	root, err := runtime.ResolveProjectRoot(cfg.ProjectRoot, workingDir(""))
	if err != nil {
		return nil, fmt.Errorf("resolve project root: %w", err)
	}
	cfg.ProjectRoot = root
	cfg.ResolvePaths(root)
	return cfg, nil
}
