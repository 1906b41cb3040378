package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 1000, cfg.Connectivity.NumTasks)
	assert.Equal(t, 10*time.Millisecond, cfg.Connectivity.TaskDelay)
	assert.Equal(t, 2, cfg.Training.NumWorkers)
	assert.False(t, cfg.Training.UseGPU)
	assert.Equal(t, 20, cfg.Training.NumBoostRound)
	assert.Equal(t, "binary:logistic", cfg.Training.Objective)
	assert.Equal(t, []string{"logloss", "error"}, cfg.Training.EvalMetric)
	assert.Equal(t, "s3://anonymous@air-example-data/breast_cancer.csv", cfg.Training.DatasetURI)
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := `
log_level: debug
cluster:
  subject_prefix: smoke
connectivity:
  num_tasks: 50
training:
  num_workers: 3
  eval_metric: [error]
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "smoke", cfg.Cluster.SubjectPrefix)
	assert.Equal(t, 50, cfg.Connectivity.NumTasks)
	assert.Equal(t, 10*time.Millisecond, cfg.Connectivity.TaskDelay)
	assert.Equal(t, 3, cfg.Training.NumWorkers)
	assert.Equal(t, []string{"error"}, cfg.Training.EvalMetric)
	assert.Equal(t, 20, cfg.Training.NumBoostRound)
	assert.Equal(t, 500*time.Millisecond, cfg.Cluster.ProbeWindow)
	assert.False(t, cfg.Node.SkipGPUDetection, "gpu detection stays on when the file omits it")
	assert.Equal(t, "nvidia-smi", cfg.Node.NvidiaSmiPath)
}

func TestLoadSkipGPUDetection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("node:\n  skip_gpu_detection: true\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Node.SkipGPUDetection)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cluster: [oops"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvLogLevel, "warn")
	t.Setenv(EnvDatasetURI, "file:///data/train.csv")
	t.Setenv(EnvConfigPath, "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "file:///data/train.csv", cfg.Training.DatasetURI)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Default()
	cfg.Node.InstanceID = "node-a"
	require.NoError(t, Save(cfg, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "node-a", loaded.Node.InstanceID)
	assert.Equal(t, cfg.Cluster.DiscoveryFile, loaded.Cluster.DiscoveryFile)
}
