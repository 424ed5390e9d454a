package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

const (
	DefaultSampleInterval = 5 * time.Second
	DefaultSampleHistory  = 60
)

// Sample is the resource usage of the app holding the port, summed over the
// launched process and its descendants (the shell wrapper usually forks the
// real server).
type Sample struct {
	App        string    `json:"app"`
	PID        int32     `json:"pid"`
	Processes  int       `json:"processes"`
	CPUPercent float64   `json:"cpu_percent"`
	RSSBytes   uint64    `json:"rss_bytes"`
	VMSBytes   uint64    `json:"vms_bytes"`
	Threads    int32     `json:"threads"`
	Timestamp  time.Time `json:"timestamp"`
}

// Target reports the app currently holding the port. ok is false when
// nothing runs.
type Target func() (app string, pid int, ok bool)

// ResourceSampler periodically samples the running app with gopsutil,
// exports gauges and keeps a bounded in-memory history.
type ResourceSampler struct {
	interval time.Duration
	keep     int
	log      *slog.Logger

	mu      sync.RWMutex
	ring    []Sample
	start   int
	lastApp string

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpu     *prometheus.GaugeVec
	rss     *prometheus.GaugeVec
	threads *prometheus.GaugeVec
	procs   *prometheus.GaugeVec
}

// SamplerOption configures a ResourceSampler.
type SamplerOption func(*ResourceSampler)

// WithSamplerLogger sets the logger for failed samples; nil keeps slog.Default.
func WithSamplerLogger(l *slog.Logger) SamplerOption {
	return func(s *ResourceSampler) {
		if l != nil {
			s.log = l
		}
	}
}

func NewResourceSampler(interval time.Duration, keep int, opts ...SamplerOption) *ResourceSampler {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	if keep <= 0 {
		keep = DefaultSampleHistory
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "portswitch",
			Subsystem: "app",
			Name:      name,
			Help:      help,
		}, []string{"app"})
	}
	s := &ResourceSampler{
		interval: interval,
		keep:     keep,
		log:      slog.Default(),
		stopCh:   make(chan struct{}),
		cpu:      gauge("cpu_percent", "CPU usage of the running app's process tree."),
		rss:      gauge("memory_rss_bytes", "Resident memory of the running app's process tree."),
		threads:  gauge("threads", "Thread count of the running app's process tree."),
		procs:    gauge("processes", "Processes in the running app's tree."),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// RegisterMetrics registers the sampler gauges; already registered
// collectors are ignored.
func (s *ResourceSampler) RegisterMetrics(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{s.cpu, s.rss, s.threads, s.procs} {
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

// Start samples target every interval until ctx is done or Stop is called.
func (s *ResourceSampler) Start(ctx context.Context, target Target) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.collect(ctx, target)
			}
		}
	}()
}

func (s *ResourceSampler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *ResourceSampler) collect(ctx context.Context, target Target) {
	app, pid, ok := target()
	if !ok || pid <= 0 {
		s.forget("")
		return
	}
	smp, err := sample(ctx, app, int32(pid)) // #nosec G115 -- pids fit in int32
	if err != nil {
		s.log.Debug("resource sample failed", "app", app, "pid", pid, "error", err)
		return
	}
	s.forget(app)
	s.cpu.WithLabelValues(app).Set(smp.CPUPercent)
	s.rss.WithLabelValues(app).Set(float64(smp.RSSBytes))
	s.threads.WithLabelValues(app).Set(float64(smp.Threads))
	s.procs.WithLabelValues(app).Set(float64(smp.Processes))
	s.add(smp)
}

// forget drops the gauges of the previous app unless it is still current.
func (s *ResourceSampler) forget(current string) {
	s.mu.Lock()
	last := s.lastApp
	s.lastApp = current
	s.mu.Unlock()
	if last == "" || last == current {
		return
	}
	for _, g := range []*prometheus.GaugeVec{s.cpu, s.rss, s.threads, s.procs} {
		g.DeleteLabelValues(last)
	}
}

func (s *ResourceSampler) add(smp Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ring) < s.keep {
		s.ring = append(s.ring, smp)
		return
	}
	s.ring[s.start] = smp
	s.start = (s.start + 1) % s.keep
}

// Latest returns the most recent sample.
func (s *ResourceSampler) Latest() (Sample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.ring) == 0 {
		return Sample{}, false
	}
	if len(s.ring) < s.keep {
		return s.ring[len(s.ring)-1], true
	}
	return s.ring[(s.start+s.keep-1)%s.keep], true
}

// History returns the retained samples, oldest first.
func (s *ResourceSampler) History() []Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Sample, 0, len(s.ring))
	if len(s.ring) < s.keep {
		return append(out, s.ring...)
	}
	out = append(out, s.ring[s.start:]...)
	return append(out, s.ring[:s.start]...)
}

func sample(ctx context.Context, app string, pid int32) (Sample, error) {
	root, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return Sample{}, fmt.Errorf("open process %d: %w", pid, err)
	}
	smp := Sample{App: app, PID: pid, Timestamp: time.Now()}
	tree := append([]*process.Process{root}, descendants(ctx, root)...)
	for _, p := range tree {
		mem, err := p.MemoryInfoWithContext(ctx)
		if err != nil {
			// exited between listing and sampling
			if p == root {
				return Sample{}, fmt.Errorf("memory info %d: %w", pid, err)
			}
			continue
		}
		smp.Processes++
		smp.RSSBytes += mem.RSS
		smp.VMSBytes += mem.VMS
		if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
			smp.CPUPercent += cpu
		}
		if n, err := p.NumThreadsWithContext(ctx); err == nil {
			smp.Threads += n
		}
	}
	return smp, nil
}

func descendants(ctx context.Context, p *process.Process) []*process.Process {
	children, err := p.ChildrenWithContext(ctx)
	if err != nil {
		return nil
	}
	out := children
	for _, c := range children {
		out = append(out, descendants(ctx, c)...)
	}
	return out
}
