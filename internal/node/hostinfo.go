package node

import (
	"context"
	"fmt"
	"net"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/dante-gpu/clustercheck/internal/models"
)

// GPUDetector lists the GPUs of the local machine.
type GPUDetector interface {
	Detect(ctx context.Context) ([]models.GPUInfo, error)
}

// HostFacts are the static facts a node advertises.
type HostFacts struct {
	Hostname      string
	Address       string
	CPUs          int
	MemoryBytes   uint64
	GPUs          []models.GPUInfo
	OS            string
	Platform      string
	KernelVersion string
	BootTime      uint64
}

// CollectHostFacts gathers host facts with gopsutil. detector may be nil to skip GPU detection;
// a failed detection is logged and treated as no GPUs.
func CollectHostFacts(ctx context.Context, advertise string, detector GPUDetector, logger *zap.Logger) (HostFacts, error) {
	facts := HostFacts{OS: runtime.GOOS}

	info, err := host.InfoWithContext(ctx)
	if err != nil {
		logger.Warn("Failed to get host info", zap.Error(err))
		facts.Hostname, _ = os.Hostname()
	} else {
		facts.Hostname = info.Hostname
		facts.Platform = info.Platform
		facts.KernelVersion = info.KernelVersion
		facts.BootTime = info.BootTime
	}
	if facts.Hostname == "" {
		return HostFacts{}, fmt.Errorf("could not determine hostname")
	}

	counts, err := cpu.CountsWithContext(ctx, true)
	if err != nil || counts == 0 {
		logger.Warn("Failed to count logical CPUs, using runtime.NumCPU", zap.Error(err))
		counts = runtime.NumCPU()
	}
	facts.CPUs = counts

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		logger.Warn("Failed to get memory info", zap.Error(err))
	} else {
		facts.MemoryBytes = vm.Total
	}

	if detector != nil {
		gpus, err := detector.Detect(ctx)
		if err != nil {
			logger.Warn("GPU detection failed", zap.Error(err))
		}
		facts.GPUs = gpus
	}

	facts.Address = advertise
	if facts.Address == "" {
		facts.Address = OutboundIP(facts.Hostname)
	}
	return facts, nil
}

// OutboundIP returns the local address used for outbound traffic, or fallback when there is
// no route. No packets are sent.
func OutboundIP(fallback string) string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return fallback
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return fallback
}

// Uptime returns seconds since boot, or 0 when unknown.
func Uptime(ctx context.Context) uint64 {
	up, err := host.UptimeWithContext(ctx)
	if err != nil {
		return 0
	}
	return up
}
