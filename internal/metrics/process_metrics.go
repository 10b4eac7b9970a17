package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

var (
	workerCPU = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "worker", Name: "cpu_percent",
		Help: "CPU usage of the worker process.",
	})
	workerRSS = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "worker", Name: "memory_rss_bytes",
		Help: "Resident memory of the worker process.",
	})
	workerThreads = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "worker", Name: "threads",
		Help: "Thread count of the worker process.",
	})
	workerFDs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "worker", Name: "open_fds",
		Help: "Open file descriptors of the worker process (Unix only).",
	})
)

// WorkerSample is one resource reading of the worker process.
type WorkerSample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// SampleProcess reads CPU and memory figures for pid.
func SampleProcess(pid int32) (WorkerSample, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return WorkerSample{}, fmt.Errorf("failed to create process handle: %w", err)
	}
	// CPUPercent is averaged over the process lifetime
	cpu, err := proc.CPUPercent()
	if err != nil {
		cpu = 0
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return WorkerSample{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	threads, err := proc.NumThreads()
	if err != nil {
		threads = 0
	}
	s := WorkerSample{
		PID:        pid,
		CPUPercent: cpu,
		MemoryRSS:  mem.RSS,
		MemoryVMS:  mem.VMS,
		NumThreads: threads,
		Timestamp:  time.Now(),
	}
	if runtime.GOOS != "windows" {
		if n, err := proc.NumFDs(); err == nil {
			s.NumFDs = n
		}
	}
	return s, nil
}

// Sampler periodically samples the worker whose pid is reported by pidFn.
// A pid of zero means no worker is running and resets the gauges.
type Sampler struct {
	pidFn    func() int
	interval time.Duration
	log      *slog.Logger

	mu   sync.RWMutex
	last WorkerSample
}

// NewSampler creates a Sampler; interval defaults to 5s.
func NewSampler(pidFn func() int, interval time.Duration, log *slog.Logger) *Sampler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sampler{pidFn: pidFn, interval: interval, log: log}
}

// Run samples until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		s.SampleOnce()
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// SampleOnce takes one reading and updates the gauges.
func (s *Sampler) SampleOnce() {
	pid := s.pidFn()
	if pid <= 0 {
		s.set(WorkerSample{Timestamp: time.Now()})
		return
	}
	sample, err := SampleProcess(int32(pid))
	if err != nil {
		s.log.Debug("worker sample failed", "pid", pid, "error", err)
		return
	}
	s.set(sample)
}

// Last returns the most recent sample.
func (s *Sampler) Last() WorkerSample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

func (s *Sampler) set(w WorkerSample) {
	s.mu.Lock()
	s.last = w
	s.mu.Unlock()
	if regOK.Load() {
		workerCPU.Set(w.CPUPercent)
		workerRSS.Set(float64(w.MemoryRSS))
		workerThreads.Set(float64(w.NumThreads))
		workerFDs.Set(float64(w.NumFDs))
	}
}
