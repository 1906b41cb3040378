package cluster

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// AutoAddress requires discovery to find a running cluster.
	AutoAddress = "auto"
	// DefaultLocalAddress is used by default discovery when nothing else is found.
	DefaultLocalAddress = "nats://127.0.0.1:4222"
	// EnvAddress overrides discovery for both "auto" and default resolution.
	EnvAddress = "CLUSTER_ADDRESS"
)

// ErrClusterNotFound is returned when "auto" discovery finds no running cluster.
var ErrClusterNotFound = errors.New("could not find any running cluster")

// HeadLocator finds the head node's control-plane address in a service catalog.
type HeadLocator interface {
	LocateHead(ctx context.Context) (string, error)
}

// Discovery configures address resolution.
type Discovery struct {
	// File is written by a head node agent and holds the control-plane address.
	File    string
	Locator HeadLocator
	// Getenv defaults to os.Getenv.
	Getenv func(string) string
}

// ResolveAddress turns a configured address into a NATS URL.
//
// An explicit URL is returned unchanged. "auto" consults CLUSTER_ADDRESS, the discovery file,
// then the locator, and fails with ErrClusterNotFound. An empty address does the same but
// falls back to DefaultLocalAddress.
func ResolveAddress(ctx context.Context, address string, d Discovery) (string, error) {
	address = strings.TrimSpace(address)
	if address != "" && address != AutoAddress {
		return normalizeURL(address), nil
	}

	getenv := d.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}

	if v := strings.TrimSpace(getenv(EnvAddress)); v != "" && v != AutoAddress {
		return normalizeURL(v), nil
	}

	if d.File != "" {
		data, err := os.ReadFile(d.File)
		switch {
		case err == nil:
			if v := strings.TrimSpace(string(data)); v != "" {
				return normalizeURL(v), nil
			}
		case !errors.Is(err, os.ErrNotExist):
			return "", fmt.Errorf("failed to read discovery file %s: %w", d.File, err)
		}
	}

	var locateErr error
	if d.Locator != nil {
		v, err := d.Locator.LocateHead(ctx)
		if err == nil && v != "" {
			return normalizeURL(v), nil
		}
		locateErr = err
	}

	if address == AutoAddress {
		if locateErr != nil {
			return "", fmt.Errorf("%w: %v", ErrClusterNotFound, locateErr)
		}
		return "", ErrClusterNotFound
	}
	return DefaultLocalAddress, nil
}

func normalizeURL(address string) string {
	if strings.Contains(address, "://") {
		return address
	}
	return "nats://" + address
}

// WriteDiscoveryFile records address so that "auto" resolution on this machine finds it.
func WriteDiscoveryFile(path, address string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create discovery directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(address+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write discovery file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to move discovery file into place: %w", err)
	}
	return nil
}

// RemoveDiscoveryFile deletes the discovery file if it still points at address.
func RemoveDiscoveryFile(path, address string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read discovery file: %w", err)
	}
	if strings.TrimSpace(string(data)) != address {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove discovery file: %w", err)
	}
	return nil
}
