// Command clustercheck verifies that a running cluster spreads tasks across its nodes.
package main

import (
	"context"
	"log"
	"os"

	"go.uber.org/zap"

	"github.com/dante-gpu/clustercheck/internal/cluster"
	"github.com/dante-gpu/clustercheck/internal/config"
	"github.com/dante-gpu/clustercheck/internal/connectivity"
	"github.com/dante-gpu/clustercheck/internal/consul"
	"github.com/dante-gpu/clustercheck/internal/logging"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, Console: true})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx := context.Background()

	opts := cluster.OptionsFromConfig(cfg.Cluster)
	if opts.Address == "" {
		opts.Address = cluster.AutoAddress
	}
	opts.Discovery.Locator = headLocator(cfg.Consul, logger)

	c, err := cluster.Init(ctx, opts, logger)
	if err != nil {
		logger.Fatal("Failed to connect to cluster", zap.Error(err))
	}
	defer c.Close()

	res, err := c.Resources(ctx)
	if err != nil {
		logger.Fatal("Failed to query cluster resources", zap.Error(err))
	}
	if err := connectivity.WriteResources(os.Stdout, res); err != nil {
		logger.Fatal("Failed to write resources", zap.Error(err))
	}

	tally, err := connectivity.Run(ctx, c, connectivity.Options{
		NumTasks:  cfg.Connectivity.NumTasks,
		TaskDelay: cfg.Connectivity.TaskDelay,
	}, logger)
	if err != nil {
		logger.Fatal("Connectivity check failed", zap.Error(err))
	}

	if err := connectivity.Report(os.Stdout, tally); err != nil {
		logger.Fatal("Failed to write report", zap.Error(err))
	}
}

// headLocator returns a Consul-backed locator, or nil when Consul is not configured.
func headLocator(cfg config.ConsulConfig, logger *zap.Logger) cluster.HeadLocator {
	if cfg.Address == "" {
		return nil
	}
	client, err := consul.Connect(cfg.Address, logger)
	if err != nil {
		logger.Warn("Consul unavailable, skipping catalog discovery", zap.String("address", cfg.Address), zap.Error(err))
		return nil
	}
	return consul.NewLocator(client, cfg.ServiceName, logger)
}
