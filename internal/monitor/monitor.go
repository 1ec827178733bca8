// Package monitor samples per-instance CPU and memory usage, keeps a bounded
// history per instance, exposes it as Prometheus gauges, and flags
// instances that have crossed their configured memory limit.
//
// Grounded directly on the teacher's internal/metrics.ProcessMetricsCollector
// (github.com/shirou/gopsutil/v4/process for sampling,
// github.com/prometheus/client_golang for the gauges, a ticker-driven
// collection loop, and a circular-buffer history), adapted to the design's
// InstanceID vocabulary and its explicit per-instance memory-limit check.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/kodeflow/procd/internal/clockid"
)

// Sample is one point-in-time resource reading for an instance.
type Sample struct {
	InstanceID string    `json:"instanceId"`
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpuPercent"`
	MemoryRSS  uint64    `json:"memoryRss"`
	MemoryVMS  uint64    `json:"memoryVms"`
	NumThreads int32     `json:"numThreads"`
	Timestamp  time.Time `json:"timestamp"`
}

// SystemInfo is a whole-host snapshot, used by the "monit" verb's
// systemInfo field. TotalMemory, FreeMemory,
// and CPUCount are the getSystemInfo() fields; the percent-based fields are
// this implementation's addition for the same "monit" response.
type SystemInfo struct {
	CPUPercent    float64 `json:"cpuPercent"`
	CPUCount      int     `json:"cpuCount"`
	MemoryUsed    uint64  `json:"memoryUsed"`
	MemoryFree    uint64  `json:"memoryFree"`
	MemoryTotal   uint64  `json:"memoryTotal"`
	MemoryPercent float64 `json:"memoryPercent"`
}

type history struct {
	mu      sync.Mutex
	samples []Sample
	cap     int
	start   int
	count   int
}

func newHistory(cap int) *history {
	if cap <= 0 {
		cap = 100
	}
	return &history{samples: make([]Sample, cap), cap: cap}
}

func (h *history) push(s Sample) {
	h.mu.Lock()
	defer h.mu.Unlock()
	idx := (h.start + h.count) % h.cap
	h.samples[idx] = s
	if h.count < h.cap {
		h.count++
	} else {
		h.start = (h.start + 1) % h.cap
	}
}

func (h *history) last(n int) []Sample {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n <= 0 || n > h.count {
		n = h.count
	}
	out := make([]Sample, n)
	first := h.start + h.count - n
	for k := 0; k < n; k++ {
		out[k] = h.samples[(first+k)%h.cap]
	}
	return out
}

// Config controls the collector's sampling cadence and retention.
type Config struct {
	Interval   time.Duration `mapstructure:"interval"`
	MaxHistory int           `mapstructure:"max_history"`
	Clock      clockid.Clock `mapstructure:"-"`
}

// Collector periodically samples every running instance's resource usage.
type Collector struct {
	interval   time.Duration
	maxHistory int
	clock      clockid.Clock

	mu      sync.RWMutex
	history map[string]*history

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryRSS  *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
}

func New(cfg Config) *Collector {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	maxHistory := cfg.MaxHistory
	if maxHistory <= 0 {
		maxHistory = 100
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockid.Default
	}
	return &Collector{
		interval:   interval,
		maxHistory: maxHistory,
		clock:      clock,
		history:    make(map[string]*history),
		stopCh:     make(chan struct{}),
		cpuPercent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "procd", Subsystem: "instance", Name: "cpu_percent",
			Help: "CPU usage percentage for a managed instance.",
		}, []string{"instance_id"}),
		memoryRSS: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "procd", Subsystem: "instance", Name: "memory_rss_bytes",
			Help: "Resident set size for a managed instance.",
		}, []string{"instance_id"}),
		numThreads: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "procd", Subsystem: "instance", Name: "num_threads",
			Help: "Thread count for a managed instance.",
		}, []string{"instance_id"}),
	}
}

// RegisterMetrics registers this collector's gauges with r.
func (c *Collector) RegisterMetrics(r prometheus.Registerer) error {
	for _, col := range []prometheus.Collector{c.cpuPercent, c.memoryRSS, c.numThreads} {
		if err := r.Register(col); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start begins periodic sampling. getInstances returns the current
// instanceID -> pid map to sample; it is called once per tick so the
// collector always reflects the supervisor's live view.
func (c *Collector) Start(ctx context.Context, getInstances func() map[string]int32) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := c.clock.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.collect(getInstances())
			}
		}
	}()
}

func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Collector) collect(instances map[string]int32) {
	now := c.clock.Now()
	seen := make(map[string]struct{}, len(instances))
	for instanceID, pid := range instances {
		if pid <= 0 {
			continue
		}
		seen[instanceID] = struct{}{}
		s, err := c.Sample(instanceID, pid)
		if err != nil {
			slog.Debug("monitor: sample failed", "instance_id", instanceID, "pid", pid, "error", err)
			continue
		}
		s.Timestamp = now
		c.cpuPercent.WithLabelValues(instanceID).Set(s.CPUPercent)
		c.memoryRSS.WithLabelValues(instanceID).Set(float64(s.MemoryRSS))
		c.numThreads.WithLabelValues(instanceID).Set(float64(s.NumThreads))
		c.hist(instanceID).push(s)
	}
	c.cleanup(seen)
}

func (c *Collector) hist(instanceID string) *history {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.history[instanceID]
	if !ok {
		h = newHistory(c.maxHistory)
		c.history[instanceID] = h
	}
	return h
}

func (c *Collector) cleanup(seen map[string]struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.history {
		if _, ok := seen[id]; !ok {
			delete(c.history, id)
			c.cpuPercent.DeleteLabelValues(id)
			c.memoryRSS.DeleteLabelValues(id)
			c.numThreads.DeleteLabelValues(id)
		}
	}
}

// Sample takes an immediate reading for one pid, independent of the
// periodic collection loop; used by the "monit" control-plane verb.
func (c *Collector) Sample(instanceID string, pid int32) (Sample, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return Sample{}, err
	}
	cpuPct, err := proc.CPUPercent()
	if err != nil {
		cpuPct = 0
	}
	memInfo, err := proc.MemoryInfo()
	if err != nil {
		return Sample{}, err
	}
	threads, err := proc.NumThreads()
	if err != nil {
		threads = 0
	}
	return Sample{
		InstanceID: instanceID,
		PID:        pid,
		CPUPercent: cpuPct,
		MemoryRSS:  memInfo.RSS,
		MemoryVMS:  memInfo.VMS,
		NumThreads: threads,
	}, nil
}

// History returns up to n of the most recent samples for an instance.
func (c *Collector) History(instanceID string, n int) []Sample {
	c.mu.RLock()
	h, ok := c.history[instanceID]
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	return h.last(n)
}

// CheckMemoryLimit reports whether rss has crossed limitBytes. limitBytes
// <= 0 means no limit is configured.
func CheckMemoryLimit(rss uint64, limitBytes int64) bool {
	return limitBytes > 0 && int64(rss) > limitBytes
}

// System returns a whole-host CPU/memory snapshot: getSystemInfo()'s
// totalMemory, freeMemory, and cpuCount, plus the percent-based fields the
// "monit" verb also reports.
func System(ctx context.Context) (SystemInfo, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return SystemInfo{}, err
	}
	pcts, err := cpu.PercentWithContext(ctx, 0, false)
	var cpuPct float64
	if err == nil && len(pcts) > 0 {
		cpuPct = pcts[0]
	}
	cpuCount, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		cpuCount = 0
	}
	return SystemInfo{
		CPUPercent:    cpuPct,
		CPUCount:      cpuCount,
		MemoryUsed:    vm.Used,
		MemoryFree:    vm.Free,
		MemoryTotal:   vm.Total,
		MemoryPercent: vm.UsedPercent,
	}, nil
}
