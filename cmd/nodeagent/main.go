// Command nodeagent runs a cluster node. With -head it also hosts the control plane and
// publishes its address for discovery.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	consulapi "github.com/hashicorp/consul/api"
	"go.uber.org/zap"

	"github.com/dante-gpu/clustercheck/internal/bus"
	"github.com/dante-gpu/clustercheck/internal/cluster"
	"github.com/dante-gpu/clustercheck/internal/config"
	"github.com/dante-gpu/clustercheck/internal/consul"
	"github.com/dante-gpu/clustercheck/internal/gpu"
	"github.com/dante-gpu/clustercheck/internal/logging"
	"github.com/dante-gpu/clustercheck/internal/models"
	"github.com/dante-gpu/clustercheck/internal/node"
)

var (
	Version   = "dev"     // Injected at build time
	BuildDate = "unknown" // Injected at build time
)

var (
	configPath = flag.String("config", "", "Path to the configuration file (default $"+config.EnvConfigPath+")")
	isHead     = flag.Bool("head", false, "Run the control plane on this node and publish its address")
	address    = flag.String("address", "", "Control plane URL to join; ignored with -head")
)

const shutdownTimeout = 10 * time.Second

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, Dir: cfg.Node.LogDir, FileName: "nodeagent.log"})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Starting node agent",
		zap.String("version", Version),
		zap.String("buildDate", BuildDate),
		zap.Bool("head", *isHead),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var detector node.GPUDetector
	if !cfg.Node.SkipGPUDetection {
		detector = gpu.NewDetector(cfg.Node.NvidiaSmiPath, logger.Named("gpu"))
	}
	facts, err := node.CollectHostFacts(ctx, cfg.Node.AdvertiseAddress, detector, logger)
	if err != nil {
		logger.Fatal("Failed to collect host facts", zap.Error(err))
	}
	logger.Info("Host facts collected",
		zap.String("hostname", facts.Hostname),
		zap.String("address", facts.Address),
		zap.Int("cpus", facts.CPUs),
		zap.Uint64("memory_bytes", facts.MemoryBytes),
		zap.Int("gpus", len(facts.GPUs)),
	)

	var (
		controlPlane  *node.ControlPlane
		advertisedURL string
		consulClient  *consulapi.Client
		serviceID     string
		busURL        string
	)

	if *isHead {
		controlPlane, err = node.StartControlPlane(cfg.Node.ControlPlaneHost, cfg.Node.ControlPlanePort, logger.Named("control-plane"))
		if err != nil {
			logger.Fatal("Failed to start control plane", zap.Error(err))
		}
		busURL = controlPlane.LocalURL()
		advertisedURL = controlPlane.AdvertisedURL(facts.Address)

		if err := cluster.WriteDiscoveryFile(cfg.Cluster.DiscoveryFile, advertisedURL); err != nil {
			controlPlane.Shutdown()
			logger.Fatal("Failed to write discovery file", zap.String("path", cfg.Cluster.DiscoveryFile), zap.Error(err))
		}
		logger.Info("Discovery file written", zap.String("path", cfg.Cluster.DiscoveryFile), zap.String("address", advertisedURL))
	} else {
		busURL, err = cluster.ResolveAddress(ctx, *address, cluster.Discovery{
			File:    cfg.Cluster.DiscoveryFile,
			Locator: headLocator(cfg.Consul, logger),
		})
		if err != nil {
			logger.Fatal("Failed to resolve cluster address", zap.Error(err))
		}
	}

	nodeID := cfg.Node.InstanceID
	if nodeID == "" {
		nodeID = "node-" + facts.Hostname
	}
	conn, err := bus.NewNATS(busURL, bus.NATSOptions{
		Name:           models.SubjectToken(nodeID),
		ConnectTimeout: cfg.Cluster.ConnectTimeout,
		DrainTimeout:   cfg.Cluster.DrainTimeout,
		MaxReconnects:  -1,
	}, logger.Named("bus"))
	if err != nil {
		shutdownControlPlane(controlPlane, cfg.Cluster.DiscoveryFile, advertisedURL, logger)
		logger.Fatal("Failed to connect to control plane", zap.String("address", busURL), zap.Error(err))
	}

	agent := node.NewAgent(conn, facts, node.Options{
		NodeID:             nodeID,
		IsHead:             *isHead,
		MaxConcurrentTasks: cfg.Node.MaxConcurrentTasks,
		SubjectPrefix:      cfg.Cluster.SubjectPrefix,
	}, logger)
	if err := agent.Start(); err != nil {
		_ = conn.Close()
		shutdownControlPlane(controlPlane, cfg.Cluster.DiscoveryFile, advertisedURL, logger)
		logger.Fatal("Failed to start node agent", zap.Error(err))
	}

	srv := node.NewServer(cfg.Node.HTTPAddr, node.NewRouter(agent, cfg.Consul.HealthCheckPath, logger.Named("http")), logger)
	go func() {
		logger.Info("Starting HTTP server", zap.String("address", cfg.Node.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", zap.String("address", cfg.Node.HTTPAddr), zap.Error(err))
			stop()
		}
	}()

	if *isHead && cfg.Consul.Address != "" {
		consulClient, err = consul.Connect(cfg.Consul.Address, logger)
		if err != nil {
			logger.Warn("Consul unavailable, head will only be discoverable through the discovery file", zap.Error(err))
		} else {
			serviceID = cfg.Consul.ServiceName + "-" + agent.NodeID()
			if err := consul.RegisterHead(consulClient, cfg.Consul, consul.Head{
				ServiceID:       serviceID,
				ControlPlaneURL: advertisedURL,
				HTTPAddr:        cfg.Node.HTTPAddr,
			}, logger); err != nil {
				logger.Warn("Failed to register head with Consul", zap.Error(err))
				consulClient = nil
			}
		}
	}

	logger.Info("Node agent is running", zap.String("node_id", agent.NodeID()), zap.String("cluster", busURL))
	<-ctx.Done()
	logger.Info("Shutdown signal received, stopping node agent...")

	if consulClient != nil {
		if err := consul.Deregister(consulClient, serviceID, logger); err != nil {
			logger.Error("Failed to deregister head from Consul", zap.String("service_id", serviceID), zap.Error(err))
		}
	}

	agent.Stop()
	if err := conn.Close(); err != nil {
		logger.Warn("Failed to close bus connection", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server forced to shutdown uncleanly", zap.Error(err))
	}

	shutdownControlPlane(controlPlane, cfg.Cluster.DiscoveryFile, advertisedURL, logger)
	logger.Info("Node agent stopped")
}

func shutdownControlPlane(cp *node.ControlPlane, discoveryFile, advertisedURL string, logger *zap.Logger) {
	if cp == nil {
		return
	}
	if err := cluster.RemoveDiscoveryFile(discoveryFile, advertisedURL); err != nil {
		logger.Warn("Failed to remove discovery file", zap.String("path", discoveryFile), zap.Error(err))
	}
	cp.Shutdown()
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
