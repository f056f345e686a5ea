package alert

import (
	"context"
	"fmt"
	"sort"
)

func (m *Manager) checkErrorRate(ctx context.Context) error {
	rate, err := m.metrics.ErrorRate(ctx)
	if err != nil {
		return err
	}

	return m.evaluate(ctx, TypeErrorRate, rate, m.settings.ErrorRate, false,
		fmt.Sprintf("Error rate is %.1f errors/min", rate))
}

func (m *Manager) checkResponseTime(ctx context.Context) error {
	avg, err := m.metrics.AvgResponseTime(ctx)
	if err != nil {
		return err
	}

	return m.evaluate(ctx, TypeResponseTime, avg, m.settings.ResponseTime, false,
		fmt.Sprintf("Average response time is %.0fms", avg))
}

func (m *Manager) checkMemory(ctx context.Context) error {
	percent, err := m.metrics.MemoryPercent(ctx)
	if err != nil {
		return err
	}

	return m.evaluate(ctx, TypeMemory, percent, m.settings.Memory, false,
		fmt.Sprintf("Process memory usage is %.1f%%", percent))
}

func (m *Manager) checkCacheHitRate(ctx context.Context) error {
	stats, err := m.metrics.CacheStats(ctx)
	if err != nil {
		return err
	}

	if stats.Total() < m.settings.MinCacheOps {
		return nil
	}

	rate := stats.HitRate()

	return m.evaluate(ctx, TypeCacheHitRate, rate, m.settings.CacheHitRate, true,
		fmt.Sprintf("Cache hit rate is %.1f%% over %d operations", rate, stats.Total()))
}

// checkQueueDepth raises a single alert for the worst queue.
func (m *Manager) checkQueueDepth(ctx context.Context) error {
	depths, err := m.metrics.QueueDepths(ctx)
	if err != nil {
		return err
	}

	queues := make([]string, 0, len(depths))
	for queue := range depths {
		queues = append(queues, queue)
	}

	sort.Strings(queues)

	var (
		worstQueue     string
		worstSeverity  Severity
		worstThreshold float64
	)

	for _, queue := range queues {
		severity, threshold, breached := m.settings.QueueDepth.Above(float64(depths[queue]))
		if !breached {
			continue
		}

		if severityRank(severity) > severityRank(worstSeverity) ||
			(severity == worstSeverity && depths[queue] > depths[worstQueue]) {
			worstQueue = queue
			worstSeverity = severity
			worstThreshold = threshold
		}
	}

	if worstQueue == "" {
		_, err = m.ResolveAlert(ctx, TypeQueueDepth)
		return err
	}

	_, err = m.CreateAlert(ctx, TypeQueueDepth, worstSeverity,
		fmt.Sprintf("Queue %s has %d waiting jobs", worstQueue, depths[worstQueue]),
		map[string]any{
			"queue":     worstQueue,
			"depth":     depths[worstQueue],
			"threshold": worstThreshold,
			"all":       depths,
		},
	)

	return err
}

func (m *Manager) probeCheck(alertType Type, label string) func(context.Context) error {
	return func(ctx context.Context) error {
		probe, ok := m.probes[alertType]
		if !ok {
			return nil
		}

		details, probeErr := probe.Check(ctx)
		if probeErr == nil {
			_, err := m.ResolveAlert(ctx, alertType)
			return err
		}

		if details == nil {
			details = map[string]any{}
		}

		details["error"] = probeErr.Error()

		_, err := m.CreateAlert(ctx, alertType, SeverityCritical,
			fmt.Sprintf("%s health check failed: %s", label, probeErr.Error()),
			details,
		)

		return err
	}
}

func (m *Manager) evaluate(
	ctx context.Context,
	alertType Type,
	value float64,
	thresholds Thresholds,
	inverted bool,
	message string,
) error {
	evaluateFn := thresholds.Above
	if inverted {
		evaluateFn = thresholds.Below
	}

	severity, threshold, breached := evaluateFn(value)
	if !breached {
		_, err := m.ResolveAlert(ctx, alertType)
		return err
	}

	_, err := m.CreateAlert(ctx, alertType, severity, message, map[string]any{
		"value":     value,
		"threshold": threshold,
	})

	return err
}
