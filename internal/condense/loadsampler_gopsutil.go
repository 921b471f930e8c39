package condense

import (
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
)

// GopsutilLoadSampler reports host CPU utilization via
// github.com/shirou/gopsutil/v3, the same fallback path the teacher's
// container-aware CPU monitor uses when no cgroup is detected. The
// scheduler only needs a cheap, approximate reading to decide whether to
// log a load warning before a flush pass — it is never the sole source of
// truth the way a dedicated capacity manager would be.
type GopsutilLoadSampler struct {
	sampleWindow time.Duration
}

// NewGopsutilLoadSampler builds a sampler that blocks for sampleWindow on
// each CPUPercent call (gopsutil measures CPU delta over an interval).
// Callers on a background scheduler tick can afford this; it must never be
// called from the foreground send path.
func NewGopsutilLoadSampler(sampleWindow time.Duration) *GopsutilLoadSampler {
	if sampleWindow <= 0 {
		sampleWindow = 100 * time.Millisecond
	}
	return &GopsutilLoadSampler{sampleWindow: sampleWindow}
}

func (g *GopsutilLoadSampler) CPUPercent() (float64, error) {
	percents, err := cpu.Percent(g.sampleWindow, false)
	if err != nil || len(percents) == 0 {
		return 0, err
	}
	return percents[0], nil
}
