// Package config holds policy knobs for cluster-wide scheduling
// behavior that don't belong on any single component's constructor.
package config

import (
	"time"
)

// SchedulerConfig holds scheduler policy knobs. Only HealthCheckInterval
// is read: it sets the cadence of the serve command's background
// maintenance loop (metrics logging, expired-session cleanup).
// pkg/scheduler does not read this struct, so the other fields have no
// effect on placement.
type SchedulerConfig struct {
	Algorithm           string            `json:"algorithm" yaml:"algorithm"`
	MaxConcurrency      int               `json:"max_concurrency" yaml:"max_concurrency"`
	LoadBalanceStrategy string            `json:"load_balance_strategy" yaml:"load_balance_strategy"`
	HealthCheckInterval time.Duration     `json:"health_check_interval" yaml:"health_check_interval"`
	ResourceThreshold   float64           `json:"resource_threshold" yaml:"resource_threshold"`
	PreemptionEnabled   bool              `json:"preemption_enabled" yaml:"preemption_enabled"`
	PriorityClasses     []string          `json:"priority_classes" yaml:"priority_classes"`
	NodeSelector        map[string]string `json:"node_selector" yaml:"node_selector"`
}

// DefaultSchedulerConfig returns a default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		Algorithm:           "rendezvous-hash",
		MaxConcurrency:      10,
		LoadBalanceStrategy: "least-loaded",
		HealthCheckInterval: 30 * time.Second,
		ResourceThreshold:   0.8,
		PreemptionEnabled:   false,
		PriorityClasses:     []string{"high", "medium", "low"},
		NodeSelector:        make(map[string]string),
	}
}
