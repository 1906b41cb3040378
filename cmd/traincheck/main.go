// Command traincheck runs a short distributed boosting job to verify the cluster can train.
package main

import (
	"context"
	"log"
	"os"

	"go.uber.org/zap"

	"github.com/dante-gpu/clustercheck/internal/cluster"
	"github.com/dante-gpu/clustercheck/internal/config"
	"github.com/dante-gpu/clustercheck/internal/consul"
	"github.com/dante-gpu/clustercheck/internal/dataset"
	"github.com/dante-gpu/clustercheck/internal/logging"
	"github.com/dante-gpu/clustercheck/internal/storage"
	"github.com/dante-gpu/clustercheck/internal/train"
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
	if cfg.Consul.Address != "" {
		if client, err := consul.Connect(cfg.Consul.Address, logger); err != nil {
			logger.Warn("Consul unavailable, skipping catalog discovery", zap.Error(err))
		} else {
			opts.Discovery.Locator = consul.NewLocator(client, cfg.Consul.ServiceName, logger)
		}
	}

	c, err := cluster.Init(ctx, opts, logger)
	if err != nil {
		logger.Fatal("Failed to connect to cluster", zap.Error(err))
	}
	defer c.Close()

	loaded := dataset.Load(ctx, storage.NewReader(cfg.Storage, logger), dataset.LoadConfig{
		URI:               cfg.Training.DatasetURI,
		LabelColumn:       cfg.Training.LabelColumn,
		SyntheticRows:     cfg.Training.SyntheticRows,
		SyntheticFeatures: cfg.Training.SyntheticFeatures,
		Seed:              cfg.Training.Seed,
	}, logger)
	logger.Info("Dataset ready",
		zap.Stringer("source", loaded.Source),
		zap.Int("rows", loaded.Dataset.NumRows()),
		zap.Int("features", len(loaded.Dataset.FeatureNames())),
	)

	trainer, err := train.NewTrainer(c, train.ConfigFromSettings(cfg.Training), map[string]*dataset.Dataset{
		train.TrainDataset: loaded.Dataset,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to create trainer", zap.Error(err))
	}

	result, err := trainer.Fit(ctx)
	if err != nil {
		logger.Fatal("Training failed", zap.Error(err))
	}

	if err := train.Report(os.Stdout, result); err != nil {
		logger.Fatal("Failed to write training result", zap.Error(err))
	}
}
