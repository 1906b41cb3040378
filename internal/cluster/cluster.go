// Package cluster is the client side of the compute cluster: connection, resource queries,
// remote task submission and actor control. A *Cluster is created once per program and passed
// explicitly to everything that talks to the cluster.
package cluster

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/dante-gpu/clustercheck/internal/bus"
	"github.com/dante-gpu/clustercheck/internal/config"
	"github.com/dante-gpu/clustercheck/internal/models"
)

// Options configures Init.
type Options struct {
	Address        string
	Discovery      Discovery
	SubjectPrefix  string
	ConnectTimeout time.Duration
	// RequestTimeout bounds each remote task or actor call.
	RequestTimeout time.Duration
	// ProbeWindow is how long Resources waits for node replies.
	ProbeWindow  time.Duration
	DrainTimeout time.Duration
	// ClientName identifies this connection to the control plane.
	ClientName string
}

// OptionsFromConfig maps the cluster config section onto Options.
func OptionsFromConfig(cfg config.ClusterConfig) Options {
	return Options{
		Address:        cfg.Address,
		Discovery:      Discovery{File: cfg.DiscoveryFile},
		SubjectPrefix:  cfg.SubjectPrefix,
		ConnectTimeout: cfg.ConnectTimeout,
		RequestTimeout: cfg.RequestTimeout,
		ProbeWindow:    cfg.ProbeWindow,
		DrainTimeout:   cfg.DrainTimeout,
	}
}

func (o *Options) setDefaults() {
	if o.SubjectPrefix == "" {
		o.SubjectPrefix = "clustercheck"
	}
	if o.RequestTimeout == 0 {
		o.RequestTimeout = 60 * time.Second
	}
	if o.ProbeWindow == 0 {
		o.ProbeWindow = 500 * time.Millisecond
	}
	if o.ClientName == "" {
		o.ClientName = fmt.Sprintf("%s-%d", "clustercheck-driver", os.Getpid())
	}
}

// Cluster is a connection to a running compute cluster.
type Cluster struct {
	bus      bus.Bus
	logger   *zap.Logger
	opts     Options
	subjects models.Subjects
	address  string
}

// Init resolves the cluster address, connects to the control plane and verifies it answers.
// Errors are not retried.
func Init(ctx context.Context, opts Options, logger *zap.Logger) (*Cluster, error) {
	opts.setDefaults()

	address, err := ResolveAddress(ctx, opts.Address, opts.Discovery)
	if err != nil {
		return nil, err
	}
	logger.Info("Connecting to cluster", zap.String("address", address))

	b, err := bus.NewNATS(address, bus.NATSOptions{
		Name:           opts.ClientName,
		ConnectTimeout: opts.ConnectTimeout,
		DrainTimeout:   opts.DrainTimeout,
	}, logger.Named("bus"))
	if err != nil {
		return nil, err
	}

	c := newCluster(b, address, opts, logger)
	if err := b.Ping(ctx); err != nil {
		_ = b.Close()
		return nil, err
	}
	logger.Info("Connected to cluster", zap.String("address", b.ConnectedURL()))
	return c, nil
}

// InitWithBus wraps an existing bus, typically an in-process test network.
func InitWithBus(b bus.Bus, opts Options, logger *zap.Logger) *Cluster {
	opts.setDefaults()
	return newCluster(b, "in-process", opts, logger)
}

func newCluster(b bus.Bus, address string, opts Options, logger *zap.Logger) *Cluster {
	return &Cluster{
		bus:      b,
		logger:   logger,
		opts:     opts,
		subjects: models.Subjects{Prefix: opts.SubjectPrefix},
		address:  address,
	}
}

// Address is the resolved control-plane address.
func (c *Cluster) Address() string {
	return c.address
}

// Bus exposes the underlying transport.
func (c *Cluster) Bus() bus.Bus {
	return c.bus
}

// Subjects returns the subject layout used by this cluster.
func (c *Cluster) Subjects() models.Subjects {
	return c.subjects
}

// Close releases the connection.
func (c *Cluster) Close() error {
	return c.bus.Close()
}
