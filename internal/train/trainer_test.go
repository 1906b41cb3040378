package train

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dante-gpu/clustercheck/internal/boost"
	"github.com/dante-gpu/clustercheck/internal/bus/bustest"
	"github.com/dante-gpu/clustercheck/internal/cluster"
	"github.com/dante-gpu/clustercheck/internal/config"
	"github.com/dante-gpu/clustercheck/internal/dataset"
	"github.com/dante-gpu/clustercheck/internal/models"
	"github.com/dante-gpu/clustercheck/internal/node"
)

type fakeOpener struct {
	data []byte
	err  error
}

func (f fakeOpener) Read(context.Context, string) ([]byte, error) {
	return f.data, f.err
}

func startNodes(t *testing.T, net *bustest.Network, cpus int, ids ...string) []*node.Agent {
	t.Helper()
	agents := make([]*node.Agent, 0, len(ids))
	for _, id := range ids {
		conn := net.Conn()
		a := node.NewAgent(conn, node.HostFacts{Hostname: id, Address: id, CPUs: cpus}, node.Options{NodeID: id}, zaptest.NewLogger(t))
		require.NoError(t, a.Start())
		t.Cleanup(func() {
			a.Stop()
			_ = conn.Close()
		})
		agents = append(agents, a)
	}
	return agents
}

func newCluster(t *testing.T, net *bustest.Network) *cluster.Cluster {
	t.Helper()
	c := cluster.InitWithBus(net.Conn(), cluster.Options{ProbeWindow: 200 * time.Millisecond, RequestTimeout: 10 * time.Second}, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func defaultConfig() Config {
	return ConfigFromSettings(config.Default().Training)
}

func TestConfigFromSettings(t *testing.T) {
	cfg := defaultConfig()
	assert.Equal(t, ScalingConfig{NumWorkers: 2, UseGPU: false}, cfg.Scaling)
	assert.Equal(t, 20, cfg.NumBoostRound)
	assert.Equal(t, "target", cfg.LabelColumn)
	assert.Equal(t, boost.ObjectiveBinaryLogistic, cfg.Params.Objective)
	assert.Equal(t, []string{"logloss", "error"}, cfg.Params.EvalMetric)
}

func TestValidate(t *testing.T) {
	ds := dataset.Synthesize(10, 3, "target", rand.New(rand.NewSource(1)))
	sets := map[string]*dataset.Dataset{TrainDataset: ds}

	require.NoError(t, defaultConfig().Validate(sets))

	cases := map[string]func(*Config) map[string]*dataset.Dataset{
		"no workers": func(c *Config) map[string]*dataset.Dataset { c.Scaling.NumWorkers = 0; return sets },
		"no rounds":  func(c *Config) map[string]*dataset.Dataset { c.NumBoostRound = 0; return sets },
		"objective":  func(c *Config) map[string]*dataset.Dataset { c.Params.Objective = "multi:softmax"; return sets },
		"metric":     func(c *Config) map[string]*dataset.Dataset { c.Params.EvalMetric = []string{"auc"}; return sets },
		"no train": func(*Config) map[string]*dataset.Dataset {
			return map[string]*dataset.Dataset{"valid": ds}
		},
		"label": func(c *Config) map[string]*dataset.Dataset { c.LabelColumn = "diagnosis"; return sets },
		"too few rows": func(c *Config) map[string]*dataset.Dataset {
			c.Scaling.NumWorkers = 11
			return sets
		},
		"feature width": func(*Config) map[string]*dataset.Dataset {
			return map[string]*dataset.Dataset{TrainDataset: ds, "valid": dataset.Synthesize(10, 4, "target", rand.New(rand.NewSource(2)))}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := defaultConfig()
			d := mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(d), ErrInvalidConfig)
		})
	}
}

func TestPlace(t *testing.T) {
	nodes := []models.NodeInfo{
		{NodeID: "node-b", CPUs: 4},
		{NodeID: "node-a", CPUs: 1, GPUs: []models.GPUInfo{{ID: "nvidia-0"}}},
	}

	p, err := Place(nodes, 2, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"node-a", "node-b"}, p)

	p, err = Place(nodes, 4, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"node-a", "node-b", "node-b", "node-b"}, p)

	_, err = Place(nodes, 6, false)
	assert.ErrorIs(t, err, ErrInsufficientResources)

	p, err = Place(nodes, 1, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"node-a"}, p)

	_, err = Place(nodes, 2, true)
	assert.ErrorIs(t, err, ErrInsufficientResources)

	_, err = Place(nil, 1, false)
	assert.ErrorIs(t, err, ErrInsufficientResources)
}

func TestFitOnLoadedDataset(t *testing.T) {
	net := bustest.NewNetwork()
	agents := startNodes(t, net, 4, "node-head", "node-worker")
	c := newCluster(t, net)
	logger := zaptest.NewLogger(t)

	rng := rand.New(rand.NewSource(9))
	csv := []byte("mean radius,mean texture,target\n")
	for i := 0; i < 300; i++ {
		r := rng.Intn(30)
		label := 0
		if r >= 15 {
			label = 1
		}
		csv = fmt.Appendf(csv, "%d,%d,%d\n", r, rng.Intn(50), label)
	}
	loaded := dataset.Load(context.Background(), fakeOpener{data: csv}, dataset.LoadConfig{LabelColumn: "target"}, logger)
	require.Equal(t, dataset.SourceLoaded, loaded.Source)

	trainer, err := NewTrainer(c, defaultConfig(), map[string]*dataset.Dataset{TrainDataset: loaded.Dataset}, logger)
	require.NoError(t, err)

	res, err := trainer.Fit(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"node-head", "node-worker"}, res.Placement)
	require.Len(t, res.History, 20)
	require.Contains(t, res.Metrics, "train-error")
	require.Contains(t, res.Metrics, "train-logloss")
	assert.Zero(t, res.Metrics["train-error"])
	assert.Less(t, res.Metrics["train-logloss"], res.History[0]["train-logloss"])
	assert.Len(t, res.Model.Trees, 20)
	for _, a := range agents {
		assert.Zero(t, a.Info(context.Background()).ActiveActors)
	}
}

func TestFitOnSynthesizedDataset(t *testing.T) {
	net := bustest.NewNetwork()
	startNodes(t, net, 2, "node-head", "node-worker")
	c := newCluster(t, net)
	logger := zaptest.NewLogger(t)

	loaded := dataset.Load(context.Background(), fakeOpener{err: errors.New("no route to host")}, dataset.LoadConfig{
		URI: "s3://anonymous@air-example-data/breast_cancer.csv", LabelColumn: "target",
		SyntheticRows: 1000, SyntheticFeatures: 30, Seed: 42,
	}, logger)
	require.Equal(t, dataset.SourceSynthesized, loaded.Source)

	trainer, err := NewTrainer(c, defaultConfig(), map[string]*dataset.Dataset{TrainDataset: loaded.Dataset}, logger)
	require.NoError(t, err)

	res, err := trainer.Fit(context.Background())
	require.NoError(t, err)

	trainErr, ok := res.Metrics["train-error"]
	require.True(t, ok)
	assert.GreaterOrEqual(t, trainErr, 0.0)
	assert.LessOrEqual(t, trainErr, 1.0)
}

func TestFitEvaluatesExtraDatasets(t *testing.T) {
	net := bustest.NewNetwork()
	startNodes(t, net, 2, "node-head")
	c := newCluster(t, net)

	rng := rand.New(rand.NewSource(4))
	trainSet := dataset.Synthesize(200, 5, "target", rng)
	validSet := dataset.Synthesize(50, 5, "target", rng)

	cfg := defaultConfig()
	cfg.NumBoostRound = 3
	trainer, err := NewTrainer(c, cfg, map[string]*dataset.Dataset{TrainDataset: trainSet, "valid": validSet}, zaptest.NewLogger(t))
	require.NoError(t, err)

	res, err := trainer.Fit(context.Background())
	require.NoError(t, err)
	assert.Contains(t, res.Metrics, "valid-error")
	assert.Contains(t, res.Metrics, "valid-logloss")
}

func TestFitInsufficientResources(t *testing.T) {
	net := bustest.NewNetwork()
	startNodes(t, net, 1, "node-head")
	c := newCluster(t, net)

	ds := dataset.Synthesize(100, 3, "target", rand.New(rand.NewSource(1)))
	trainer, err := NewTrainer(c, defaultConfig(), map[string]*dataset.Dataset{TrainDataset: ds}, zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = trainer.Fit(context.Background())
	assert.ErrorIs(t, err, ErrInsufficientResources)

	cfg := defaultConfig()
	cfg.Scaling.UseGPU = true
	cfg.Scaling.NumWorkers = 1
	trainer, err = NewTrainer(c, cfg, map[string]*dataset.Dataset{TrainDataset: ds}, zaptest.NewLogger(t))
	require.NoError(t, err)
	_, err = trainer.Fit(context.Background())
	assert.ErrorIs(t, err, ErrInsufficientResources)
}

func TestFitReleasesWorkersOnFailure(t *testing.T) {
	net := bustest.NewNetwork()
	agents := startNodes(t, net, 2, "node-head", "node-worker")
	c := newCluster(t, net)

	ds := dataset.Synthesize(100, 3, "target", rand.New(rand.NewSource(1)))
	ds.Rows[99][3] = 2 // label outside {0,1}, rejected by the second shard

	trainer, err := NewTrainer(c, defaultConfig(), map[string]*dataset.Dataset{TrainDataset: ds}, zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = trainer.Fit(context.Background())
	require.Error(t, err)
	for _, a := range agents {
		assert.Zero(t, a.Info(context.Background()).ActiveActors)
	}
}

func TestNewTrainerRequiresCluster(t *testing.T) {
	ds := dataset.Synthesize(10, 3, "target", rand.New(rand.NewSource(1)))
	_, err := NewTrainer(nil, defaultConfig(), map[string]*dataset.Dataset{TrainDataset: ds}, zaptest.NewLogger(t))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestReport(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, Report(&out, &Result{Metrics: map[string]float64{"train-error": 0.125, "train-logloss": 0.3}}))
	assert.Equal(t, "Training Complete! Accuracy: 0.125\n", out.String())
}
