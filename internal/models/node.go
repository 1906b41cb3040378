package models

import "time"

// GPUInfo is the subset of detected GPU facts a node advertises.
type GPUInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Vendor      string `json:"vendor"`
	VRAMTotalMB uint64 `json:"vram_total_mb"`
}

// NodeInfo is what a node agent reports when the cluster is probed.
type NodeInfo struct {
	NodeID        string    `json:"node_id"`
	Hostname      string    `json:"hostname"`
	Address       string    `json:"address"`
	IsHead        bool      `json:"is_head"`
	CPUs          int       `json:"cpus"`
	MemoryBytes   uint64    `json:"memory_bytes"`
	GPUs          []GPUInfo `json:"gpus,omitempty"`
	MaxTasks      int       `json:"max_tasks"`
	ActiveTasks   int       `json:"active_tasks"`
	ActiveActors  int       `json:"active_actors"`
	OS            string    `json:"os"`
	Platform      string    `json:"platform,omitempty"`
	KernelVersion string    `json:"kernel_version,omitempty"`
	UptimeSeconds uint64    `json:"uptime_seconds"`
	StartedAt     time.Time `json:"started_at"`
}
