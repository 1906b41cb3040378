// Package consul registers the head node in a Consul catalog and lets drivers find it there.
package consul

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"

	consulapi "github.com/hashicorp/consul/api"
	"go.uber.org/zap"

	"github.com/dante-gpu/clustercheck/internal/config"
)

// Connect establishes a connection to the Consul agent.
func Connect(consulAddress string, logger *zap.Logger) (*consulapi.Client, error) {
	logger.Info("Attempting to connect to Consul agent", zap.String("address", consulAddress))

	cfg := consulapi.DefaultConfig()
	cfg.Address = consulAddress

	client, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consul client for address %s: %w", consulAddress, err)
	}
	if _, err := client.Agent().Self(); err != nil {
		return nil, fmt.Errorf("failed to connect/ping consul agent at %s: %w", consulAddress, err)
	}

	logger.Info("Successfully connected to Consul agent", zap.String("address", consulAddress))
	return client, nil
}

// Head describes the head node being registered.
type Head struct {
	ServiceID string
	// ControlPlaneURL is the NATS URL other nodes and drivers connect to.
	ControlPlaneURL string
	// HTTPAddr is the node agent's health endpoint listener, e.g. ":8266".
	HTTPAddr string
}

// RegisterHead registers the head's control plane with an HTTP health check on the node agent.
func RegisterHead(client *consulapi.Client, cfg config.ConsulConfig, head Head, logger *zap.Logger) error {
	u, err := url.Parse(head.ControlPlaneURL)
	if err != nil {
		return fmt.Errorf("invalid control plane url %q: %w", head.ControlPlaneURL, err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		return fmt.Errorf("control plane url %q has no usable port: %w", head.ControlPlaneURL, err)
	}
	address := u.Hostname()

	checkHost, checkPortStr, err := net.SplitHostPort(head.HTTPAddr)
	if err != nil {
		return fmt.Errorf("invalid node http address %q: %w", head.HTTPAddr, err)
	}
	if checkHost == "" || checkHost == "0.0.0.0" {
		checkHost = getCheckAddress(address)
	}

	registration := &consulapi.AgentServiceRegistration{
		ID:      head.ServiceID,
		Name:    cfg.ServiceName,
		Port:    port,
		Address: address,
		Tags:    cfg.ServiceTags,
		Check: &consulapi.AgentServiceCheck{
			HTTP:                           fmt.Sprintf("http://%s%s", net.JoinHostPort(checkHost, checkPortStr), cfg.HealthCheckPath),
			Interval:                       cfg.HealthCheckInterval.String(),
			Timeout:                        cfg.HealthCheckTimeout.String(),
			DeregisterCriticalServiceAfter: "1m",
		},
	}

	if err := client.Agent().ServiceRegister(registration); err != nil {
		return fmt.Errorf("failed to register service '%s' with Consul: %w", cfg.ServiceName, err)
	}
	logger.Info("Registered head with Consul",
		zap.String("service_id", head.ServiceID),
		zap.String("service_name", cfg.ServiceName),
		zap.String("address", address),
		zap.Int("port", port),
	)
	return nil
}

// Deregister removes a registration made by RegisterHead.
func Deregister(client *consulapi.Client, serviceID string, logger *zap.Logger) error {
	logger.Info("Deregistering service from Consul", zap.String("service_id", serviceID))
	if err := client.Agent().ServiceDeregister(serviceID); err != nil {
		return fmt.Errorf("failed to deregister service '%s': %w", serviceID, err)
	}
	return nil
}

func getCheckAddress(serviceAddress string) string {
	if serviceAddress == "" || serviceAddress == "0.0.0.0" {
		return "127.0.0.1"
	}
	return serviceAddress
}

// Locator finds a healthy head registration.
type Locator struct {
	client      *consulapi.Client
	serviceName string
	logger      *zap.Logger
}

// NewLocator creates a Locator for serviceName.
func NewLocator(client *consulapi.Client, serviceName string, logger *zap.Logger) *Locator {
	return &Locator{client: client, serviceName: serviceName, logger: logger}
}

// LocateHead returns the control plane URL of the first passing head instance.
func (l *Locator) LocateHead(ctx context.Context) (string, error) {
	entries, _, err := l.client.Health().Service(l.serviceName, "", true, (&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("failed to discover service '%s' in Consul: %w", l.serviceName, err)
	}
	if len(entries) == 0 {
		return "", fmt.Errorf("no healthy instances found for service '%s'", l.serviceName)
	}

	entry := entries[0]
	address := entry.Service.Address
	if address == "" && entry.Node != nil {
		address = entry.Node.Address
	}
	l.logger.Debug("Discovered head in Consul",
		zap.String("service", l.serviceName),
		zap.Int("count", len(entries)),
		zap.String("address", address),
	)
	return "nats://" + net.JoinHostPort(address, strconv.Itoa(entry.Service.Port)), nil
}
