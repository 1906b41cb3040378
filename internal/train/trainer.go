// Package train runs distributed gradient boosting on the cluster. The trainer process
// coordinates; boost workers hosted by node agents hold the data shards.
package train

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dante-gpu/clustercheck/internal/boost"
	"github.com/dante-gpu/clustercheck/internal/cluster"
	"github.com/dante-gpu/clustercheck/internal/dataset"
	"github.com/dante-gpu/clustercheck/internal/models"
)

const releaseTimeout = 10 * time.Second

// Result is the outcome of a successful Fit.
type Result struct {
	// Metrics holds the final round's values keyed "<dataset>-<metric>".
	Metrics map[string]float64
	// History holds the train metrics of every round.
	History   []map[string]float64
	Model     *boost.Model
	Placement []string
	Duration  time.Duration
}

// Trainer fits a model on a cluster. Its config is fixed at construction.
type Trainer struct {
	cluster  *cluster.Cluster
	cfg      Config
	datasets map[string]*dataset.Dataset
	logger   *zap.Logger
}

// NewTrainer validates cfg against datasets. datasets must contain "train"; any other entry is
// evaluated with the final model.
func NewTrainer(c *cluster.Cluster, cfg Config, datasets map[string]*dataset.Dataset, logger *zap.Logger) (*Trainer, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: cluster is required", ErrInvalidConfig)
	}
	if err := cfg.Validate(datasets); err != nil {
		return nil, err
	}
	cfg.Params.EvalMetric = append([]string(nil), cfg.Params.EvalMetric...)

	copied := make(map[string]*dataset.Dataset, len(datasets))
	for k, v := range datasets {
		copied[k] = v
	}
	return &Trainer{cluster: c, cfg: cfg, datasets: copied, logger: logger}, nil
}

// Fit trains synchronously and returns once every round has finished on every worker.
func (t *Trainer) Fit(ctx context.Context) (*Result, error) {
	start := time.Now()

	features, labels, err := t.datasets[TrainDataset].Split()
	if err != nil {
		return nil, err
	}
	binner, err := boost.NewBinner(features, t.cfg.Params.MaxBin)
	if err != nil {
		return nil, fmt.Errorf("failed to bin training data: %w", err)
	}

	nodes, err := t.cluster.Nodes(ctx)
	if err != nil {
		return nil, err
	}
	placement, err := Place(nodes, t.cfg.Scaling.NumWorkers, t.cfg.Scaling.UseGPU)
	if err != nil {
		return nil, err
	}
	t.logger.Info("Placing training workers",
		zap.Int("workers", len(placement)),
		zap.Strings("nodes", placement),
		zap.Bool("use_gpu", t.cfg.Scaling.UseGPU),
	)

	specs := shardSpecs(binner, binner.Transform(features), labels, len(placement), t.cfg.Params.Objective)
	actors, err := t.createWorkers(ctx, placement, specs)
	defer t.releaseWorkers(actors)
	if err != nil {
		return nil, err
	}

	shards := make([]boost.Shard, len(actors))
	for i, a := range actors {
		shards[i] = &remoteShard{cluster: t.cluster, actor: a}
	}

	coord, err := boost.NewCoordinator(shards, binner, t.cfg.Params, t.datasets[TrainDataset].FeatureNames(), t.logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	model, history, err := coord.Train(ctx, t.cfg.NumBoostRound, func(round int, metrics map[string]float64) {
		fields := []zap.Field{zap.Int("round", round+1), zap.Int("of", t.cfg.NumBoostRound)}
		for _, m := range t.cfg.Params.EvalMetric {
			fields = append(fields, zap.Float64(TrainDataset+"-"+m, metrics[m]))
		}
		t.logger.Info("Boosting round complete", fields...)
	})
	if err != nil {
		return nil, fmt.Errorf("training failed: %w", err)
	}

	result := &Result{
		Metrics:   make(map[string]float64),
		History:   make([]map[string]float64, len(history)),
		Model:     model,
		Placement: placement,
	}
	for i, h := range history {
		result.History[i] = prefixed(TrainDataset, h)
	}
	if len(history) > 0 {
		for k, v := range result.History[len(history)-1] {
			result.Metrics[k] = v
		}
	}

	for name, ds := range t.datasets {
		if name == TrainDataset {
			continue
		}
		f, l, err := ds.Split()
		if err != nil {
			return nil, err
		}
		for k, v := range prefixed(name, model.Evaluate(f, l, t.cfg.Params.EvalMetric)) {
			result.Metrics[k] = v
		}
	}

	result.Duration = time.Since(start)
	t.logger.Info("Training finished", zap.Duration("took", result.Duration), zap.Any("metrics", result.Metrics))
	return result, nil
}

// CompletionMessage prefixes the final line of a training run. The value printed after it is
// the train-error metric.
const CompletionMessage = "Training Complete! Accuracy:"

// Report prints the completion line for r.
func Report(w io.Writer, r *Result) error {
	_, err := fmt.Fprintf(w, "%s %v\n", CompletionMessage, r.Metrics[TrainDataset+"-"+boost.MetricError])
	return err
}

func prefixed(name string, metrics map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(metrics))
	for k, v := range metrics {
		out[name+"-"+k] = v
	}
	return out
}

// shardSpecs splits rows into n contiguous ranges.
func shardSpecs(binner *boost.Binner, bins [][]uint8, labels []float64, n int, objective string) []boost.ShardSpec {
	specs := make([]boost.ShardSpec, n)
	for i := range specs {
		lo, hi := i*len(bins)/n, (i+1)*len(bins)/n
		specs[i] = boost.ShardSpec{
			Shard:     i,
			Objective: objective,
			NumBins:   binner.NumBins(),
			Bins:      bins[lo:hi],
			Labels:    labels[lo:hi],
		}
	}
	return specs
}

// createWorkers starts one actor per spec. The returned slice holds every actor that was
// created, even when err is non-nil. Creates are not cancelled when a sibling fails so that
// every actor the nodes started is known and can be released.
func (t *Trainer) createWorkers(ctx context.Context, placement []string, specs []boost.ShardSpec) ([]*cluster.Actor, error) {
	created := make([]*cluster.Actor, len(specs))
	var g errgroup.Group
	for i, spec := range specs {
		g.Go(func() error {
			a, err := t.cluster.CreateActor(ctx, placement[i], models.ActorKindBoostWorker, spec)
			if err != nil {
				return fmt.Errorf("worker %d: %w", i, err)
			}
			created[i] = a
			return nil
		})
	}
	err := g.Wait()

	actors := make([]*cluster.Actor, 0, len(created))
	for _, a := range created {
		if a != nil {
			actors = append(actors, a)
		}
	}
	return actors, err
}

func (t *Trainer) releaseWorkers(actors []*cluster.Actor) {
	if len(actors) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	var errs []error
	for _, a := range actors {
		if err := t.cluster.ReleaseActor(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		t.logger.Warn("Failed to release some training workers", zap.Error(err))
	}
}

// remoteShard drives a boost worker actor.
type remoteShard struct {
	cluster *cluster.Cluster
	actor   *cluster.Actor
}

func (r *remoteShard) BeginRound(ctx context.Context) (boost.NodeStats, error) {
	var st boost.NodeStats
	err := r.cluster.CallActor(ctx, r.actor, boost.MethodBeginRound, struct{}{}, &st)
	return st, err
}

func (r *remoteShard) Histogram(ctx context.Context, node int) (*boost.Histogram, error) {
	var h boost.Histogram
	if err := r.cluster.CallActor(ctx, r.actor, boost.MethodHistogram, boost.HistogramRequest{Node: node}, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func (r *remoteShard) ApplySplits(ctx context.Context, splits []boost.Split) error {
	return r.cluster.CallActor(ctx, r.actor, boost.MethodApplySplits, boost.ApplySplitsRequest{Splits: splits}, nil)
}

func (r *remoteShard) FinishTree(ctx context.Context, leaves map[int]float64) (boost.EvalSums, error) {
	var sums boost.EvalSums
	err := r.cluster.CallActor(ctx, r.actor, boost.MethodFinishTree, boost.FinishTreeRequest{Leaves: leaves}, &sums)
	return sums, err
}
