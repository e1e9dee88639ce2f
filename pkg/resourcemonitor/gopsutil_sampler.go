package resourcemonitor

import (
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"

	"github.com/aosedge/aos-sm/pkg/types"
)

// HostSampler is the default NodeSampler, backed by gopsutil. CPUDMIPS
// on the returned sample is a raw 0-100 percentage; the caller scales
// it by maxDMIPS/100 (spec.md §4.4 "CPU to DMIPS").
type HostSampler struct {
	partitions  []string
	netIface    string
	lastDown    uint64
	lastUp      uint64
	lastSampled time.Time
}

// NewHostSampler constructs a HostSampler watching the given disk
// mount points and network interface for per-cycle deltas.
func NewHostSampler(partitions []string, netIface string) *HostSampler {
	return &HostSampler{partitions: partitions, netIface: netIface}
}

// SampleNode implements NodeSampler.
func (s *HostSampler) SampleNode() (types.MonitoringData, error) {
	data := types.MonitoringData{Timestamp: time.Now()}

	percents, err := cpu.Percent(0, false)
	if err == nil && len(percents) > 0 {
		data.CPUDMIPS = uint64(percents[0])
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		data.RAM = vm.Used
	}

	for _, mount := range s.partitions {
		usage, err := disk.Usage(mount)
		if err != nil {
			continue
		}

		data.Partitions = append(data.Partitions, types.PartitionUsage{Name: mount, Used: usage.Used})
	}

	if counters, err := net.IOCounters(true); err == nil {
		for _, c := range counters {
			if s.netIface != "" && c.Name != s.netIface {
				continue
			}

			down, up := s.deltaBytes(c.BytesRecv, c.BytesSent)
			data.Download += down
			data.Upload += up
		}
	}

	return data, nil
}

// deltaBytes converts cumulative byte counters into this period's
// delta, clamping to zero across a counter reset.
func (s *HostSampler) deltaBytes(recv, sent uint64) (down, up uint64) {
	if recv >= s.lastDown {
		down = recv - s.lastDown
	}

	if sent >= s.lastUp {
		up = sent - s.lastUp
	}

	s.lastDown, s.lastUp = recv, sent

	return down, up
}

// NullInstanceSampler is a placeholder InstanceSampler for nodes where
// per-instance cgroup accounting is not wired; it always returns a
// zero sample rather than an error so alert processors still run (at
// zero) instead of being silently skipped.
type NullInstanceSampler struct{}

// SampleInstance implements InstanceSampler.
func (NullInstanceSampler) SampleInstance(instanceID string) (types.MonitoringData, error) {
	return types.MonitoringData{Timestamp: time.Now()}, nil
}
