package cluster

import (
	"context"
	"strconv"
	"strings"

	"callreview-go/internal/logger"
	"callreview-go/internal/shell"
)

// ResourcePlan is the per-job allocation requested from Slurm.
type ResourcePlan struct {
	Partition string
	GPUs      int
	MemoryGB  int
}

// DefaultPlan is used when GPU availability cannot be probed.
func DefaultPlan(partition string) ResourcePlan {
	return ResourcePlan{Partition: partition, GPUs: 1, MemoryGB: 32}
}

// PlanResources sizes memory per job from the idle GPU count reported by
// hyakalloc: one job per GPU gets 32G, two per GPU 16G, more share at 8G.
func PlanResources(ctx context.Context, runner shell.Runner, partition string, jobs int, log *logger.Logger) ResourcePlan {
	if log == nil {
		log = logger.Discard()
	}
	plan := DefaultPlan(partition)
	res, err := runner.Run(ctx, nil, "hyakalloc", "-p", partition)
	if err != nil {
		log.WithError(err).Info("hyakalloc unavailable, using default resources")
		return plan
	}
	idle := parseIdleGPUs(res.Stdout)
	if idle == 0 {
		log.Info("no idle GPUs reported, using default resources")
		return plan
	}

	switch {
	case jobs <= idle:
		plan.MemoryGB = 32
	case jobs <= idle*2:
		plan.MemoryGB = 16
	default:
		plan.MemoryGB = 8
	}
	log.WithField("jobs", jobs).
		WithField("idle_gpus", idle).
		WithField("memory_gb", plan.MemoryGB).
		Info("resource plan")
	return plan
}

// parseIdleGPUs reads the GPU column of the "Idle:" row of a hyakalloc table,
// e.g. "│ Idle: │ 2725 │  197 │".
func parseIdleGPUs(out string) int {
	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, "Idle:") || !strings.Contains(line, "│") {
			continue
		}
		parts := strings.Split(line, "│")
		if len(parts) < 4 {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(parts[3]))
		if err != nil {
			continue
		}
		return n
	}
	return 0
}
