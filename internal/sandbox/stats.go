package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"

	"github.com/docker/docker/api/types/container"
)

// Stat is one decoded resource-usage sample.
type Stat struct {
	CPUPercent float64
	MemUsage   uint64
	MemLimit   uint64
	NetRx      uint64
	NetTx      uint64
}

// observeStats streams stats frames and delivers decoded samples to
// onStat until the stream or context ends.
func (d *Driver) observeStats(ctx context.Context, id string, onStat func(Stat)) {
	resp, err := d.api.ContainerStats(ctx, id, true)
	if err != nil {
		slog.Warn("streaming container stats", "container", shortID(id), "error", err)
		return
	}
	defer resp.Body.Close()

	dec := json.NewDecoder(resp.Body)
	for {
		var frame container.StatsResponse
		if err := dec.Decode(&frame); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) && ctx.Err() == nil {
				slog.Debug("stats stream ended", "container", shortID(id), "error", err)
			}
			return
		}
		onStat(decodeStat(&frame))
	}
}

// decodeStat reduces a raw stats frame the way the docker CLI does:
// CPU as a percentage of the delta against the previous sample scaled
// by online CPUs, memory as usage/limit, network summed over all
// interfaces.
func decodeStat(frame *container.StatsResponse) Stat {
	s := Stat{
		MemUsage: frame.MemoryStats.Usage,
		MemLimit: frame.MemoryStats.Limit,
	}

	cpuDelta := float64(frame.CPUStats.CPUUsage.TotalUsage) - float64(frame.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(frame.CPUStats.SystemUsage) - float64(frame.PreCPUStats.SystemUsage)
	if systemDelta > 0 && frame.CPUStats.OnlineCPUs > 0 {
		s.CPUPercent = cpuDelta / systemDelta * float64(frame.CPUStats.OnlineCPUs) * 100.0
	}

	for _, nw := range frame.Networks {
		s.NetRx += nw.RxBytes
		s.NetTx += nw.TxBytes
	}
	return s
}
