package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// ResourceUsage is one sample of this process's CPU and memory use.
type ResourceUsage struct {
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// ResourceConfig configures ResourceSampler.
type ResourceConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Interval    time.Duration `mapstructure:"interval"`
	HistorySize int           `mapstructure:"history_size"`
}

// ResourceSampler periodically samples the running process through gopsutil,
// exports the values as gauges and keeps a fixed-size ring of recent samples.
type ResourceSampler struct {
	enabled  bool
	interval time.Duration
	proc     *process.Process
	logger   *slog.Logger

	mu       sync.RWMutex
	ring     []ResourceUsage
	startIdx int
	count    int

	stopCh   chan struct{}
	stopOnce sync.Once
	started  bool
	wg       sync.WaitGroup

	cpuPercent prometheus.Gauge
	memory     *prometheus.GaugeVec
	numThreads prometheus.Gauge
	numFDs     prometheus.Gauge
}

// NewResourceSampler creates a sampler for the current process.
func NewResourceSampler(cfg ResourceConfig, logger *slog.Logger) (*ResourceSampler, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	size := cfg.HistorySize
	if size <= 0 {
		size = 60
	}
	if logger == nil {
		logger = slog.Default()
	}
	var proc *process.Process
	if cfg.Enabled {
		p, err := process.NewProcess(int32(os.Getpid())) // #nosec G115 pids fit in int32
		if err != nil {
			return nil, fmt.Errorf("open own process: %w", err)
		}
		proc = p
	}
	return &ResourceSampler{
		enabled:  cfg.Enabled,
		interval: interval,
		proc:     proc,
		logger:   logger.With("component", "resources"),
		ring:     make([]ResourceUsage, size),
		stopCh:   make(chan struct{}),
		cpuPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "beacon",
			Subsystem: "resources",
			Name:      "cpu_percent",
			Help:      "CPU usage percentage of the beacon process.",
		}),
		memory: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "beacon",
			Subsystem: "resources",
			Name:      "memory_bytes",
			Help:      "Memory usage of the beacon process by kind.",
		}, []string{"kind"}),
		numThreads: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "beacon",
			Subsystem: "resources",
			Name:      "num_threads",
			Help:      "Number of OS threads of the beacon process.",
		}),
		numFDs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "beacon",
			Subsystem: "resources",
			Name:      "num_fds",
			Help:      "Number of open file descriptors of the beacon process (Unix only).",
		}),
	}, nil
}

// RegisterMetrics registers the sampler gauges. A disabled sampler registers nothing.
func (s *ResourceSampler) RegisterMetrics(r prometheus.Registerer) error {
	if !s.enabled {
		return nil
	}
	collectors := []prometheus.Collector{s.cpuPercent, s.memory, s.numThreads}
	if runtime.GOOS != "windows" {
		collectors = append(collectors, s.numFDs)
	}
	for _, c := range collectors {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start samples once immediately and then every interval until ctx is done or Stop is called.
func (s *ResourceSampler) Start(ctx context.Context) {
	if !s.enabled {
		return
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.collect()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.collect()
			}
		}
	}()
}

// Stop ends sampling and waits for the sampling goroutine. Safe to call more than once.
func (s *ResourceSampler) Stop() {
	if !s.enabled {
		return
	}
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *ResourceSampler) collect() {
	u, err := s.Sample()
	if err != nil {
		s.logger.Debug("resource sample failed", "error", err)
		return
	}
	s.cpuPercent.Set(u.CPUPercent)
	s.memory.WithLabelValues("rss").Set(float64(u.MemoryRSS))
	s.memory.WithLabelValues("vms").Set(float64(u.MemoryVMS))
	s.numThreads.Set(float64(u.NumThreads))
	if runtime.GOOS != "windows" && u.NumFDs > 0 {
		s.numFDs.Set(float64(u.NumFDs))
	}
	s.add(u)
}

// Sample reads the current values without recording them.
func (s *ResourceSampler) Sample() (ResourceUsage, error) {
	if s.proc == nil {
		return ResourceUsage{}, errors.New("resource sampling disabled")
	}
	u := ResourceUsage{Timestamp: time.Now()}

	// The first call reports usage since process start; later calls since the previous one.
	if cpu, err := s.proc.Percent(0); err == nil {
		u.CPUPercent = cpu
	}
	mem, err := s.proc.MemoryInfo()
	if err != nil {
		return ResourceUsage{}, fmt.Errorf("memory info: %w", err)
	}
	u.MemoryRSS = mem.RSS
	u.MemoryVMS = mem.VMS
	if n, err := s.proc.NumThreads(); err == nil {
		u.NumThreads = n
	}
	if runtime.GOOS != "windows" {
		if n, err := s.proc.NumFDs(); err == nil {
			u.NumFDs = n
		}
	}
	return u, nil
}

// add stores u in the ring, overwriting the oldest sample when full.
func (s *ResourceSampler) add(u ResourceUsage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count < len(s.ring) {
		s.ring[(s.startIdx+s.count)%len(s.ring)] = u
		s.count++
		return
	}
	s.ring[s.startIdx] = u
	s.startIdx = (s.startIdx + 1) % len(s.ring)
}

// History returns the recorded samples, oldest first.
func (s *ResourceSampler) History() []ResourceUsage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ResourceUsage, s.count)
	for i := 0; i < s.count; i++ {
		out[i] = s.ring[(s.startIdx+i)%len(s.ring)]
	}
	return out
}

// Latest returns the most recent sample.
func (s *ResourceSampler) Latest() (ResourceUsage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.count == 0 {
		return ResourceUsage{}, false
	}
	return s.ring[(s.startIdx+s.count-1)%len(s.ring)], true
}
