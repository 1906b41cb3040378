package boost

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Shard is the coordinator's view of one worker, local or remote.
type Shard interface {
	BeginRound(ctx context.Context) (NodeStats, error)
	Histogram(ctx context.Context, node int) (*Histogram, error)
	ApplySplits(ctx context.Context, splits []Split) error
	FinishTree(ctx context.Context, leaves map[int]float64) (EvalSums, error)
}

// RoundFunc observes the metrics after each boosting round.
type RoundFunc func(round int, metrics map[string]float64)

// Coordinator grows trees depth-wise from histograms summed across shards.
type Coordinator struct {
	shards       []Shard
	binner       *Binner
	params       Params
	featureNames []string
	logger       *zap.Logger
}

// NewCoordinator creates a coordinator over shards binned with binner.
func NewCoordinator(shards []Shard, binner *Binner, params Params, featureNames []string, logger *zap.Logger) (*Coordinator, error) {
	if len(shards) == 0 {
		return nil, errors.New("no shards to train on")
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Coordinator{
		shards:       shards,
		binner:       binner,
		params:       params,
		featureNames: featureNames,
		logger:       logger,
	}, nil
}

// Train runs rounds boosting rounds and returns the model with the metrics of every round.
func (c *Coordinator) Train(ctx context.Context, rounds int, onRound RoundFunc) (*Model, []map[string]float64, error) {
	model := &Model{Objective: c.params.Objective, FeatureNames: c.featureNames}
	history := make([]map[string]float64, 0, rounds)

	for round := 0; round < rounds; round++ {
		tree, sums, err := c.growTree(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("round %d: %w", round, err)
		}
		model.Trees = append(model.Trees, tree)

		metrics := sums.Metrics(c.params.EvalMetric)
		history = append(history, metrics)
		c.logger.Debug("Boosting round finished",
			zap.Int("round", round),
			zap.Int("tree_nodes", len(tree.Nodes)),
			zap.Any("metrics", metrics),
		)
		if onRound != nil {
			onRound(round, metrics)
		}
	}
	return model, history, nil
}

func (c *Coordinator) growTree(ctx context.Context) (*Tree, EvalSums, error) {
	root, err := c.beginRound(ctx)
	if err != nil {
		return nil, EvalSums{}, err
	}

	tree := newTree()
	stats := map[int]NodeStats{0: root}
	frontier := []int{0}

	for depth := 0; depth < c.params.MaxDepth && len(frontier) > 0; depth++ {
		hists, err := c.histograms(ctx, frontier)
		if err != nil {
			return nil, EvalSums{}, err
		}

		var splits []Split
		var next []int
		for i, node := range frontier {
			s, ok := BestSplit(hists[i], c.params)
			if !ok {
				tree.Nodes[node] = TreeNode{Leaf: true, Weight: LeafWeight(stats[node], c.params)}
				continue
			}
			s.Threshold = c.binner.Threshold(s.Feature, s.Bin)
			tree.Nodes[node] = TreeNode{Feature: s.Feature, Threshold: s.Threshold}
			stats[LeftChild(node)] = s.Left
			stats[RightChild(node)] = s.Right
			splits = append(splits, s)
			next = append(next, LeftChild(node), RightChild(node))
		}

		if len(splits) > 0 {
			if err := c.applySplits(ctx, splits); err != nil {
				return nil, EvalSums{}, err
			}
		}
		frontier = next
	}
	for _, node := range frontier {
		tree.Nodes[node] = TreeNode{Leaf: true, Weight: LeafWeight(stats[node], c.params)}
	}

	sums, err := c.finishTree(ctx, tree.leafWeights())
	if err != nil {
		return nil, EvalSums{}, err
	}
	return tree, sums, nil
}

func (c *Coordinator) beginRound(ctx context.Context) (NodeStats, error) {
	parts := make([]NodeStats, len(c.shards))
	g, ctx := errgroup.WithContext(ctx)
	for i, s := range c.shards {
		g.Go(func() error {
			st, err := s.BeginRound(ctx)
			if err != nil {
				return fmt.Errorf("shard %d begin round: %w", i, err)
			}
			parts[i] = st
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return NodeStats{}, err
	}

	var root NodeStats
	for _, p := range parts {
		root.Add(p)
	}
	return root, nil
}

// histograms returns one summed histogram per frontier node, in frontier order.
func (c *Coordinator) histograms(ctx context.Context, frontier []int) ([]*Histogram, error) {
	parts := make([][]*Histogram, len(frontier))
	for i := range parts {
		parts[i] = make([]*Histogram, len(c.shards))
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, node := range frontier {
		for j, s := range c.shards {
			g.Go(func() error {
				h, err := s.Histogram(gctx, node)
				if err != nil {
					return fmt.Errorf("shard %d histogram for node %d: %w", j, node, err)
				}
				parts[i][j] = h
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]*Histogram, len(frontier))
	for i, node := range frontier {
		sum := NewHistogram(node, c.binner.NumBins())
		for _, h := range parts[i] {
			if err := sum.Add(h); err != nil {
				return nil, err
			}
		}
		out[i] = sum
	}
	return out, nil
}

func (c *Coordinator) applySplits(ctx context.Context, splits []Split) error {
	sort.Slice(splits, func(i, j int) bool { return splits[i].Node < splits[j].Node })
	g, ctx := errgroup.WithContext(ctx)
	for i, s := range c.shards {
		g.Go(func() error {
			if err := s.ApplySplits(ctx, splits); err != nil {
				return fmt.Errorf("shard %d apply splits: %w", i, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (c *Coordinator) finishTree(ctx context.Context, leaves map[int]float64) (EvalSums, error) {
	parts := make([]EvalSums, len(c.shards))
	g, ctx := errgroup.WithContext(ctx)
	for i, s := range c.shards {
		g.Go(func() error {
			sums, err := s.FinishTree(ctx, leaves)
			if err != nil {
				return fmt.Errorf("shard %d finish tree: %w", i, err)
			}
			parts[i] = sums
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return EvalSums{}, err
	}

	var total EvalSums
	for _, p := range parts {
		total.Add(p)
	}
	return total, nil
}

// LocalShard adapts an in-process Worker to the Shard interface.
type LocalShard struct {
	W *Worker
}

func (l LocalShard) BeginRound(context.Context) (NodeStats, error) {
	return l.W.BeginRound(), nil
}

func (l LocalShard) Histogram(_ context.Context, node int) (*Histogram, error) {
	return l.W.Histogram(node), nil
}

func (l LocalShard) ApplySplits(_ context.Context, splits []Split) error {
	return l.W.ApplySplits(splits)
}

func (l LocalShard) FinishTree(_ context.Context, leaves map[int]float64) (EvalSums, error) {
	return l.W.FinishTree(leaves)
}
