package resource

import (
	"context"
	"runtime"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// systemSampler reads host CPU utilisation via gopsutil and derives heap
// pressure from the Go runtime against the host's physical memory.
type systemSampler struct{}

// NewSystemSampler returns the production sampler.
func NewSystemSampler() Sampler {
	return systemSampler{}
}

func (systemSampler) Sample(ctx context.Context) (Signals, error) {
	var signals Signals

	// Interval 0 measures since the previous call, which matches the
	// control loop cadence.
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return signals, err
	}
	if len(percents) > 0 {
		signals.CPULoad = percents[0] / 100
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return signals, err
	}
	if vm.Total > 0 {
		signals.MemUsedRatio = float64(ms.HeapAlloc) / float64(vm.Total)
	}
	return signals, nil
}
