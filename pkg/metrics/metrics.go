package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"

	"github.com/lmdm/labmonitor/pkg/repository"
)

var (
	// SchedulingLatency measures queue wait: submission to capacity hold.
	SchedulingLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "labmonitor",
		Subsystem: "scheduler",
		Name:      "scheduling_latency_seconds",
		Help:      "Time between job submission and placement on a machine.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
	})

	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "labmonitor",
		Subsystem: "scheduler",
		Name:      "jobs_finished_total",
		Help:      "Jobs that reached a terminal status, by status.",
	}, []string{"status"})

	BacklogLength = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "labmonitor",
		Subsystem: "scheduler",
		Name:      "backlog_length",
		Help:      "Jobs waiting in the backlog after the last scheduling pass.",
	})

	DispatchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "labmonitor",
		Subsystem: "scheduler",
		Name:      "dispatch_failures_total",
		Help:      "Dispatch attempts that failed after a machine was selected.",
	})

	ProbeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "labmonitor",
		Subsystem: "collector",
		Name:      "probe_failures_total",
		Help:      "Failed telemetry probes, by machine.",
	}, []string{"machine_id"})

	MachineFreeCpu = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "labmonitor",
		Subsystem: "machine",
		Name:      "free_cpu_cores",
		Help:      "Schedulable cpu cores currently free, by machine.",
	}, []string{"machine_id"})

	MachineFreeMemoryMb = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "labmonitor",
		Subsystem: "machine",
		Name:      "free_memory_mb",
		Help:      "Schedulable memory currently free, by machine.",
	}, []string{"machine_id"})

	MachineFreeGpus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "labmonitor",
		Subsystem: "machine",
		Name:      "free_gpus",
		Help:      "Schedulable GPUs currently free, by machine.",
	}, []string{"machine_id"})

	MachineUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "labmonitor",
		Subsystem: "machine",
		Name:      "up",
		Help:      "1 if the machine is available for scheduling, 0 otherwise.",
	}, []string{"machine_id"})
)

// StartMachineGauges refreshes the per-machine capacity gauges from the live
// state on a fixed interval. Blocking.
func StartMachineGauges(ctx context.Context, machineRepo repository.MachineRepository, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			states, err := machineRepo.GetAllMachineStates()
			if err != nil {
				log.Error().Err(err).Msg("failed to refresh machine gauges")
				continue
			}

			for _, state := range states {
				MachineFreeCpu.WithLabelValues(state.MachineId).Set(float64(state.FreeCpu))
				MachineFreeMemoryMb.WithLabelValues(state.MachineId).Set(float64(state.FreeMemoryMb))
				MachineFreeGpus.WithLabelValues(state.MachineId).Set(float64(state.FreeGpuCount))

				up := 0.0
				if state.Schedulable() {
					up = 1.0
				}
				MachineUp.WithLabelValues(state.MachineId).Set(up)
			}
		}
	}
}
