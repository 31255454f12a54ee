package power

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostProbe derives a power state from live host metrics. It stands in for
// the platform thermal feed on hosts that do not push state changes: CPU
// utilization maps onto the thermal ladder and heavy memory pressure raises
// the low-power flag.
type HostProbe struct{}

// Sample reads instantaneous CPU and memory utilization.
func (HostProbe) Sample() (State, error) {
	percents, err := cpu.Percent(0, false)
	if err != nil {
		return State{}, fmt.Errorf("power: sample cpu: %w", err)
	}
	var cpuPct float64
	if len(percents) > 0 {
		cpuPct = percents[0]
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return State{}, fmt.Errorf("power: sample memory: %w", err)
	}
	return State{
		Thermal:  thermalFromCPU(cpuPct),
		LowPower: vm.UsedPercent >= 90,
	}, nil
}

func thermalFromCPU(pct float64) ThermalLevel {
	switch {
	case pct >= 90:
		return ThermalCritical
	case pct >= 75:
		return ThermalSerious
	case pct >= 50:
		return ThermalFair
	default:
		return ThermalNominal
	}
}
