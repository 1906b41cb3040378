package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables consulted by Load.
const (
	EnvConfigPath = "CLUSTERCHECK_CONFIG"
	EnvLogLevel   = "CLUSTERCHECK_LOG_LEVEL"
	EnvDatasetURI = "CLUSTERCHECK_DATASET_URI"
)

// ClusterConfig holds the connection settings shared by the checks and the node agent.
type ClusterConfig struct {
	// Address is a NATS URL, "auto", or empty for default discovery.
	Address        string        `yaml:"address"`
	DiscoveryFile  string        `yaml:"discovery_file"`
	SubjectPrefix  string        `yaml:"subject_prefix"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	ProbeWindow    time.Duration `yaml:"probe_window"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`
}

// ConnectivityConfig parameterises the task distribution check.
type ConnectivityConfig struct {
	NumTasks  int           `yaml:"num_tasks"`
	TaskDelay time.Duration `yaml:"task_delay"`
}

// TrainingConfig parameterises the distributed training smoke test.
type TrainingConfig struct {
	DatasetURI     string   `yaml:"dataset_uri"`
	LabelColumn    string   `yaml:"label_column"`
	NumWorkers     int      `yaml:"num_workers"`
	UseGPU         bool     `yaml:"use_gpu"`
	NumBoostRound  int      `yaml:"num_boost_round"`
	Objective      string   `yaml:"objective"`
	EvalMetric     []string `yaml:"eval_metric"`
	Eta            float64  `yaml:"eta"`
	MaxDepth       int      `yaml:"max_depth"`
	Lambda         float64  `yaml:"lambda"`
	Gamma          float64  `yaml:"gamma"`
	MinChildWeight float64  `yaml:"min_child_weight"`
	MaxBin         int      `yaml:"max_bin"`

	SyntheticRows     int   `yaml:"synthetic_rows"`
	SyntheticFeatures int   `yaml:"synthetic_features"`
	Seed              int64 `yaml:"seed"`
}

// StorageConfig configures remote dataset access.
type StorageConfig struct {
	Region       string        `yaml:"region"`
	Endpoint     string        `yaml:"endpoint,omitempty"`
	UsePathStyle bool          `yaml:"use_path_style"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	// AccessKeyID and SecretAccessKey override the default AWS credential chain.
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
}

// NodeConfig holds node agent settings.
type NodeConfig struct {
	InstanceID         string `yaml:"instance_id"`
	MaxConcurrentTasks int    `yaml:"max_concurrent_tasks"`
	HTTPAddr           string `yaml:"http_addr"`
	LogDir             string `yaml:"log_dir,omitempty"`
	NvidiaSmiPath      string `yaml:"nvidia_smi_path"`
	// SkipGPUDetection reports no GPUs without running nvidia-smi.
	SkipGPUDetection bool `yaml:"skip_gpu_detection"`
	// AdvertiseAddress is reported to the cluster; empty means the outbound interface IP.
	AdvertiseAddress string `yaml:"advertise_address,omitempty"`
	// ControlPlaneHost and ControlPlanePort are where a head node runs the embedded NATS server.
	ControlPlaneHost string `yaml:"control_plane_host"`
	ControlPlanePort int    `yaml:"control_plane_port"`
}

// ConsulConfig enables head registration and Consul-backed discovery when Address is set.
type ConsulConfig struct {
	Address             string        `yaml:"address,omitempty"`
	ServiceName         string        `yaml:"service_name"`
	ServiceTags         []string      `yaml:"service_tags,omitempty"`
	HealthCheckPath     string        `yaml:"health_check_path"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	HealthCheckTimeout  time.Duration `yaml:"health_check_timeout"`
}

// Config is the root configuration document.
type Config struct {
	LogLevel     string             `yaml:"log_level"`
	Cluster      ClusterConfig      `yaml:"cluster"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Training     TrainingConfig     `yaml:"training"`
	Storage      StorageConfig      `yaml:"storage"`
	Node         NodeConfig         `yaml:"node"`
	Consul       ConsulConfig       `yaml:"consul"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	hostname, _ := os.Hostname()
	instanceID := "node-" + hostname
	if instanceID == "node-" {
		instanceID = "node-unknown"
	}

	return &Config{
		LogLevel: "info",
		Cluster: ClusterConfig{
			DiscoveryFile:  filepath.Join(os.TempDir(), "clustercheck", "current_cluster"),
			SubjectPrefix:  "clustercheck",
			ConnectTimeout: 5 * time.Second,
			RequestTimeout: 60 * time.Second,
			ProbeWindow:    500 * time.Millisecond,
			DrainTimeout:   5 * time.Second,
		},
		Connectivity: ConnectivityConfig{
			NumTasks:  1000,
			TaskDelay: 10 * time.Millisecond,
		},
		Training: TrainingConfig{
			DatasetURI:        "s3://anonymous@air-example-data/breast_cancer.csv",
			LabelColumn:       "target",
			NumWorkers:        2,
			UseGPU:            false,
			NumBoostRound:     20,
			Objective:         "binary:logistic",
			EvalMetric:        []string{"logloss", "error"},
			Eta:               0.3,
			MaxDepth:          6,
			Lambda:            1,
			Gamma:             0,
			MinChildWeight:    1,
			MaxBin:            64,
			SyntheticRows:     1000,
			SyntheticFeatures: 30,
		},
		Storage: StorageConfig{
			Region:      "us-west-2",
			ReadTimeout: 30 * time.Second,
		},
		Node: NodeConfig{
			InstanceID:         instanceID,
			MaxConcurrentTasks: runtime.NumCPU(),
			HTTPAddr:           ":8266",
			NvidiaSmiPath:      "nvidia-smi",
			ControlPlaneHost:   "0.0.0.0",
			ControlPlanePort:   4222,
		},
		Consul: ConsulConfig{
			ServiceName:         "clustercheck-head",
			HealthCheckPath:     "/healthz",
			HealthCheckInterval: 10 * time.Second,
			HealthCheckTimeout:  2 * time.Second,
		},
	}
}

// Load reads the YAML file at path. An empty path falls back to $CLUSTERCHECK_CONFIG, and a
// missing file yields the defaults. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	defaults := Default()

	cfg := &Config{}
	if path == "" {
		cfg = defaults
	} else {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			cfg = defaults
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to unmarshal config data: %w", err)
			}
			applyDefaultsIfNotSet(cfg, defaults)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

// Save writes cfg to path as YAML, creating the parent directory.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv(EnvDatasetURI); v != "" {
		cfg.Training.DatasetURI = v
	}
}

// applyDefaultsIfNotSet applies default values to cfg fields if they are zero-valued.
// Booleans cannot be told apart from an explicit false and are left alone.
func applyDefaultsIfNotSet(cfg *Config, defaults *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaults.LogLevel
	}

	// Cluster
	if cfg.Cluster.DiscoveryFile == "" {
		cfg.Cluster.DiscoveryFile = defaults.Cluster.DiscoveryFile
	}
	if cfg.Cluster.SubjectPrefix == "" {
		cfg.Cluster.SubjectPrefix = defaults.Cluster.SubjectPrefix
	}
	if cfg.Cluster.ConnectTimeout == 0 {
		cfg.Cluster.ConnectTimeout = defaults.Cluster.ConnectTimeout
	}
	if cfg.Cluster.RequestTimeout == 0 {
		cfg.Cluster.RequestTimeout = defaults.Cluster.RequestTimeout
	}
	if cfg.Cluster.ProbeWindow == 0 {
		cfg.Cluster.ProbeWindow = defaults.Cluster.ProbeWindow
	}
	if cfg.Cluster.DrainTimeout == 0 {
		cfg.Cluster.DrainTimeout = defaults.Cluster.DrainTimeout
	}

	// Connectivity
	if cfg.Connectivity.NumTasks == 0 {
		cfg.Connectivity.NumTasks = defaults.Connectivity.NumTasks
	}
	if cfg.Connectivity.TaskDelay == 0 {
		cfg.Connectivity.TaskDelay = defaults.Connectivity.TaskDelay
	}

	// Training
	t, dt := &cfg.Training, defaults.Training
	if t.DatasetURI == "" {
		t.DatasetURI = dt.DatasetURI
	}
	if t.LabelColumn == "" {
		t.LabelColumn = dt.LabelColumn
	}
	if t.NumWorkers == 0 {
		t.NumWorkers = dt.NumWorkers
	}
	if t.NumBoostRound == 0 {
		t.NumBoostRound = dt.NumBoostRound
	}
	if t.Objective == "" {
		t.Objective = dt.Objective
	}
	if t.EvalMetric == nil {
		t.EvalMetric = dt.EvalMetric
	}
	if t.Eta == 0 {
		t.Eta = dt.Eta
	}
	if t.MaxDepth == 0 {
		t.MaxDepth = dt.MaxDepth
	}
	if t.Lambda == 0 {
		t.Lambda = dt.Lambda
	}
	if t.MinChildWeight == 0 {
		t.MinChildWeight = dt.MinChildWeight
	}
	if t.MaxBin == 0 {
		t.MaxBin = dt.MaxBin
	}
	if t.SyntheticRows == 0 {
		t.SyntheticRows = dt.SyntheticRows
	}
	if t.SyntheticFeatures == 0 {
		t.SyntheticFeatures = dt.SyntheticFeatures
	}

	// Storage
	if cfg.Storage.Region == "" {
		cfg.Storage.Region = defaults.Storage.Region
	}
	if cfg.Storage.ReadTimeout == 0 {
		cfg.Storage.ReadTimeout = defaults.Storage.ReadTimeout
	}

	// Node
	if cfg.Node.InstanceID == "" {
		cfg.Node.InstanceID = defaults.Node.InstanceID
	}
	if cfg.Node.MaxConcurrentTasks == 0 {
		cfg.Node.MaxConcurrentTasks = defaults.Node.MaxConcurrentTasks
	}
	if cfg.Node.HTTPAddr == "" {
		cfg.Node.HTTPAddr = defaults.Node.HTTPAddr
	}
	if cfg.Node.NvidiaSmiPath == "" {
		cfg.Node.NvidiaSmiPath = defaults.Node.NvidiaSmiPath
	}
	if cfg.Node.ControlPlaneHost == "" {
		cfg.Node.ControlPlaneHost = defaults.Node.ControlPlaneHost
	}
	if cfg.Node.ControlPlanePort == 0 {
		cfg.Node.ControlPlanePort = defaults.Node.ControlPlanePort
	}

	// Consul
	if cfg.Consul.ServiceName == "" {
		cfg.Consul.ServiceName = defaults.Consul.ServiceName
	}
	if cfg.Consul.HealthCheckPath == "" {
		cfg.Consul.HealthCheckPath = defaults.Consul.HealthCheckPath
	}
	if cfg.Consul.HealthCheckInterval == 0 {
		cfg.Consul.HealthCheckInterval = defaults.Consul.HealthCheckInterval
	}
	if cfg.Consul.HealthCheckTimeout == 0 {
		cfg.Consul.HealthCheckTimeout = defaults.Consul.HealthCheckTimeout
	}
}
