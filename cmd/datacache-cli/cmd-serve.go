package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/objectfs/datacache/internal/manager"
	"github.com/objectfs/datacache/pkg/types"
)

type serveCmd struct {
	TypesFile string        `type:"existingfile" help:"YAML list of type metadata used for routing and timeouts"`
	Duration  time.Duration `help:"Stop after this long instead of waiting for a signal"`
}

func (cmd *serveCmd) Run(opts *globalOptions) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	logger := opts.logger(cfg)

	repo, err := loadTypes(cmd.TypesFile)
	if err != nil {
		return err
	}

	m, err := manager.New(cfg, repo, manager.WithLogger(logger))
	if err != nil {
		return err
	}
	defer m.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if cmd.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.Duration)
		defer cancel()
	}

	if err := m.Metrics().Start(ctx); err != nil {
		return err
	}
	opts.printf("serving caches; metrics on :%d (enabled=%t)\n", cfg.Monitoring.MetricsPort, cfg.Monitoring.Enabled)

	<-ctx.Done()
	logger.Info("Shutting down")
	return nil
}

// loadTypes reads type metadata from a YAML list. An empty path yields an
// empty repository.
func loadTypes(path string) (*types.StaticRepository, error) {
	repo := types.NewStaticRepository()
	if path == "" {
		return repo, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read types file: %w", err)
	}
	var metas []*types.TypeMeta
	if err := yaml.Unmarshal(data, &metas); err != nil {
		return nil, fmt.Errorf("failed to parse types file %s: %w", path, err)
	}
	for _, meta := range metas {
		if meta.Name == "" {
			return nil, fmt.Errorf("types file %s: entry without a name", path)
		}
		repo.Register(meta)
	}
	return repo, nil
}
