// Package gpu finds the GPUs a node can offer to training workers.
package gpu

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dante-gpu/clustercheck/internal/models"
)

const queryTimeout = 10 * time.Second

// Detector queries nvidia-smi for the local GPUs.
type Detector struct {
	logger        *zap.Logger
	nvidiaSmiPath string
}

// NewDetector creates a detector. An empty path means "nvidia-smi" on $PATH.
func NewDetector(nvidiaSmiPath string, logger *zap.Logger) *Detector {
	if nvidiaSmiPath == "" {
		nvidiaSmiPath = "nvidia-smi"
	}
	return &Detector{logger: logger, nvidiaSmiPath: nvidiaSmiPath}
}

// Detect returns the GPUs on this machine. A machine without nvidia-smi has no GPUs and is
// not an error.
func (d *Detector) Detect(ctx context.Context) ([]models.GPUInfo, error) {
	if _, err := exec.LookPath(d.nvidiaSmiPath); err != nil {
		d.logger.Debug("nvidia-smi not available, assuming no GPUs", zap.String("path", d.nvidiaSmiPath))
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, d.nvidiaSmiPath, "--query-gpu=index,name,memory.total", "--format=csv,noheader,nounits")
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to run %s: %w", d.nvidiaSmiPath, err)
	}

	gpus := parseNvidiaSmi(string(output), d.logger)
	d.logger.Info("GPU detection completed", zap.Int("gpu_count", len(gpus)))
	return gpus, nil
}

func parseNvidiaSmi(output string, logger *zap.Logger) []models.GPUInfo {
	var gpus []models.GPUInfo
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) < 3 {
			logger.Warn("Malformed line from nvidia-smi output", zap.String("line", line))
			continue
		}

		gpu := models.GPUInfo{
			ID:     "nvidia-" + strings.TrimSpace(fields[0]),
			Name:   strings.TrimSpace(fields[1]),
			Vendor: "NVIDIA",
		}
		if total := strings.TrimSpace(fields[2]); total != "[N/A]" {
			if v, err := strconv.ParseUint(total, 10, 64); err == nil {
				gpu.VRAMTotalMB = v
			} else {
				logger.Warn("Failed to parse VRAM total from nvidia-smi", zap.String("value", total), zap.Error(err))
			}
		}
		gpus = append(gpus, gpu)
	}
	return gpus
}
