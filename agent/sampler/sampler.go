// Package sampler collects one PerformanceSample per tick from the local
// host using gopsutil, one small accessor per metric source.
package sampler

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/nodenexus/nodenexus/internal/protocol"
)

// DiskPath is the mount point disk usage and IO counters are read from.
// A single path keeps the sample shape flat: a sample carries one
// disk_used/disk_total pair.
var DiskPath = "/"

// Sampler tracks the previous cumulative counters needed to derive the
// per-tick bps fields (net/disk throughput is reported as a rate, not a
// cumulative counter, unlike net_rx_cum/net_tx_cum, which stay cumulative
// so the server side can run its own delta accounting).
type Sampler struct {
	lastSampleAt time.Time
	lastNetRx    uint64
	lastNetTx    uint64
	lastDiskRd   uint64
	lastDiskWr   uint64
	haveBaseline bool
}

// New constructs a Sampler with no baseline; the first Sample call reports
// zero bps fields since there is no prior reading to diff against.
func New() *Sampler {
	return &Sampler{}
}

// Sample reads the current host state and returns one PerformanceSample.
func (s *Sampler) Sample(ctx context.Context) (protocol.PerformanceSample, error) {
	now := time.Now()

	cpuPercents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return protocol.PerformanceSample{}, fmt.Errorf("sampler: cpu percent: %w", err)
	}
	var cpuPercent float64
	if len(cpuPercents) > 0 {
		cpuPercent = cpuPercents[0]
	}

	vmem, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return protocol.PerformanceSample{}, fmt.Errorf("sampler: virtual memory: %w", err)
	}

	swap, err := mem.SwapMemoryWithContext(ctx)
	if err != nil {
		return protocol.PerformanceSample{}, fmt.Errorf("sampler: swap memory: %w", err)
	}

	diskUsage, err := disk.UsageWithContext(ctx, DiskPath)
	if err != nil {
		return protocol.PerformanceSample{}, fmt.Errorf("sampler: disk usage %s: %w", DiskPath, err)
	}

	netRx, netTx, err := cumulativeNetIO(ctx)
	if err != nil {
		return protocol.PerformanceSample{}, fmt.Errorf("sampler: net io counters: %w", err)
	}

	diskRd, diskWr, err := cumulativeDiskIO(ctx)
	if err != nil {
		return protocol.PerformanceSample{}, fmt.Errorf("sampler: disk io counters: %w", err)
	}

	hostInfo, err := host.InfoWithContext(ctx)
	if err != nil {
		return protocol.PerformanceSample{}, fmt.Errorf("sampler: host info: %w", err)
	}

	pids, err := process.PidsWithContext(ctx)
	if err != nil {
		return protocol.PerformanceSample{}, fmt.Errorf("sampler: process list: %w", err)
	}

	tcpConns, err := net.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return protocol.PerformanceSample{}, fmt.Errorf("sampler: tcp connections: %w", err)
	}
	established := 0
	for _, c := range tcpConns {
		if c.Status == "ESTABLISHED" {
			established++
		}
	}

	sample := protocol.PerformanceSample{
		Time:           now.UnixMilli(),
		CPUPercent:     cpuPercent,
		MemUsed:        vmem.Used,
		MemTotal:       vmem.Total,
		SwapUsed:       swap.Used,
		SwapTotal:      swap.Total,
		NetRxCum:       netRx,
		NetTxCum:       netTx,
		UptimeSeconds:  hostInfo.Uptime,
		Procs:          uint32(len(pids)),
		RunningProcs:   countRunning(ctx, pids),
		TCPEstablished: uint32(established),
		DiskUsed:       diskUsage.Used,
		DiskTotal:      diskUsage.Total,
	}

	if s.haveBaseline {
		elapsed := now.Sub(s.lastSampleAt).Seconds()
		if elapsed > 0 {
			sample.NetRxBps = rate(netRx, s.lastNetRx, elapsed)
			sample.NetTxBps = rate(netTx, s.lastNetTx, elapsed)
			sample.DiskIORdBps = rate(diskRd, s.lastDiskRd, elapsed)
			sample.DiskIOWrBps = rate(diskWr, s.lastDiskWr, elapsed)
		}
	}

	s.lastSampleAt = now
	s.lastNetRx, s.lastNetTx = netRx, netTx
	s.lastDiskRd, s.lastDiskWr = diskRd, diskWr
	s.haveBaseline = true

	return sample, nil
}

// Run samples once per tick and calls emit until ctx is canceled.
func (s *Sampler) Run(ctx context.Context, tick time.Duration, emit func(protocol.PerformanceSample)) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample, err := s.Sample(ctx)
			if err != nil {
				continue
			}
			emit(sample)
		}
	}
}

func rate(cur, prev uint64, elapsedSeconds float64) uint64 {
	if cur < prev {
		return 0 // counter reset; next tick re-baselines
	}
	return uint64(float64(cur-prev) / elapsedSeconds)
}

func cumulativeNetIO(ctx context.Context) (rx, tx uint64, err error) {
	counters, err := net.IOCountersWithContext(ctx, false)
	if err != nil {
		return 0, 0, err
	}
	if len(counters) == 0 {
		return 0, 0, nil
	}
	return counters[0].BytesRecv, counters[0].BytesSent, nil
}

func cumulativeDiskIO(ctx context.Context) (rd, wr uint64, err error) {
	counters, err := disk.IOCountersWithContext(ctx)
	if err != nil {
		return 0, 0, err
	}
	for _, c := range counters {
		rd += c.ReadBytes
		wr += c.WriteBytes
	}
	return rd, wr, nil
}

func countRunning(ctx context.Context, pids []int32) uint32 {
	var running uint32
	for _, pid := range pids {
		p, err := process.NewProcessWithContext(ctx, pid)
		if err != nil {
			continue
		}
		status, err := p.StatusWithContext(ctx)
		if err != nil {
			continue
		}
		for _, st := range status {
			if st == "running" || st == "R" {
				running++
				break
			}
		}
	}
	return running
}
