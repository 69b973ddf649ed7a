// Package health samples connection quality on a fixed interval and
// raises a single degradation event when the samples say the link is
// actually bad, not just blinking.
package health

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/chen3feng/stl4go"
	"github.com/sirupsen/logrus"
)

// Sample is one measurement tick. Integrity is the percentage of
// bypass layers whose verify operation passed.
type Sample struct {
	Time      time.Time
	LatencyMS int64
	LossPct   float64
	Integrity int
	Unhealthy []string
}

type Thresholds struct {
	MaxLatencyMS   int64
	MaxLossPct     float64
	ConsecutiveBad int
}

// IntegrityChecker is the read-only pipeline verification surface.
type IntegrityChecker interface {
	Check(ctx context.Context) (unhealthy []string, total int)
}

// DialFunc measures one probe round-trip. Injectable for tests; the
// default dials TCP and reports connect latency.
type DialFunc func(ctx context.Context, target string, timeout time.Duration) (time.Duration, error)

type Config struct {
	Interval     time.Duration
	ProbeTargets []string
	ProbeTimeout time.Duration
	WindowSize   int
	Thresholds   Thresholds
	Dial         DialFunc
	// DNSProbe optionally deep-checks the DNS redirect listener on
	// every sample, counted as one more integrity check.
	DNSProbe *DNSProbe
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if len(c.ProbeTargets) == 0 {
		c.ProbeTargets = []string{"1.1.1.1:443", "8.8.8.8:443"}
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 2500 * time.Millisecond
	}
	if c.WindowSize <= 0 {
		c.WindowSize = 30
	}
	if c.Thresholds.MaxLatencyMS <= 0 {
		c.Thresholds.MaxLatencyMS = 800
	}
	if c.Thresholds.MaxLossPct <= 0 {
		c.Thresholds.MaxLossPct = 50
	}
	if c.Thresholds.ConsecutiveBad <= 0 {
		c.Thresholds.ConsecutiveBad = 3
	}
	if c.Dial == nil {
		c.Dial = dialProbe
	}
	return c
}

func dialProbe(ctx context.Context, target string, timeout time.Duration) (time.Duration, error) {
	dialer := net.Dialer{Timeout: timeout}
	start := time.Now()
	conn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return 0, err
	}
	_ = conn.Close()
	return time.Since(start), nil
}

// Monitor is a single polling loop. It only ever emits events through
// onDegraded; it never mutates pipeline state. After emitting it
// pauses itself until stopped, so an in-flight recovery cycle never
// receives a second degradation event; the next session gets a fresh
// monitor.
type Monitor struct {
	cfg        Config
	check      IntegrityChecker
	onDegraded func(Sample)

	mu        sync.Mutex
	window    *stl4go.DList[Sample]
	badStreak int
	paused    bool
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewMonitor(cfg Config, check IntegrityChecker, onDegraded func(Sample)) *Monitor {
	return &Monitor{
		cfg:        cfg.withDefaults(),
		check:      check,
		onDegraded: onDegraded,
		window:     &stl4go.DList[Sample]{},
	}
}

func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.loop(loopCtx, m.done)
	logrus.Infof("[Health] monitor started: interval=%s targets=%v window=%d", m.cfg.Interval, m.cfg.ProbeTargets, m.cfg.WindowSize)
}

func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.cancel = nil
	m.done = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	logrus.Info("[Health] monitor stopped")
}

// Snapshot copies the rolling window, newest last.
func (m *Monitor) Snapshot() []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Sample, 0, m.window.Len())
	m.window.ForEach(func(s Sample) {
		out = append(out, s)
	})
	return out
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	m.mu.Lock()
	paused := m.paused
	m.mu.Unlock()
	if paused {
		return
	}

	sample := m.sample(ctx)
	observeSample(sample)

	m.mu.Lock()
	m.window.PushBack(sample)
	for m.window.Len() > m.cfg.WindowSize {
		m.window.PopFront()
	}
	degraded, reason := m.evaluateLocked(sample)
	if degraded {
		m.paused = true
		m.badStreak = 0
	}
	m.mu.Unlock()

	if degraded {
		logrus.Warnf("[Health] degradation: %s (latency=%dms loss=%.0f%% integrity=%d%%)", reason, sample.LatencyMS, sample.LossPct, sample.Integrity)
		if m.onDegraded != nil {
			m.onDegraded(sample)
		}
	}
}

func (m *Monitor) sample(ctx context.Context) Sample {
	s := Sample{Time: time.Now()}

	var latencies []time.Duration
	failed := 0
	for _, target := range m.cfg.ProbeTargets {
		latency, err := m.cfg.Dial(ctx, target, m.cfg.ProbeTimeout)
		if err != nil {
			failed++
			logrus.Debugf("[Health] probe %s failed: %v", target, err)
			continue
		}
		latencies = append(latencies, latency)
	}
	if total := len(m.cfg.ProbeTargets); total > 0 {
		s.LossPct = float64(failed) / float64(total) * 100
	}
	if len(latencies) > 0 {
		var sum time.Duration
		for _, l := range latencies {
			sum += l
		}
		s.LatencyMS = (sum / time.Duration(len(latencies))).Milliseconds()
	} else {
		s.LatencyMS = m.cfg.ProbeTimeout.Milliseconds()
	}

	s.Integrity = 100
	var unhealthy []string
	total := 0
	if m.check != nil {
		unhealthy, total = m.check.Check(ctx)
	}
	if m.cfg.DNSProbe != nil {
		total++
		if err := m.cfg.DNSProbe.Check(ctx); err != nil {
			logrus.Debugf("[Health] dns probe failed: %v", err)
			unhealthy = append(unhealthy, m.cfg.DNSProbe.layerID())
		}
	}
	s.Unhealthy = unhealthy
	if total > 0 {
		s.Integrity = (total - len(unhealthy)) * 100 / total
	}
	return s
}

// evaluateLocked decides degradation. A failed layer verify degrades
// immediately; latency/loss must stay bad for ConsecutiveBad samples.
func (m *Monitor) evaluateLocked(s Sample) (bool, string) {
	if len(s.Unhealthy) > 0 {
		return true, "bypass layer verify failed: " + strings.Join(s.Unhealthy, ", ")
	}
	bad := s.LatencyMS > m.cfg.Thresholds.MaxLatencyMS || s.LossPct > m.cfg.Thresholds.MaxLossPct
	if !bad {
		m.badStreak = 0
		return false, ""
	}
	m.badStreak++
	if m.badStreak < m.cfg.Thresholds.ConsecutiveBad {
		return false, ""
	}
	return true, "thresholds exceeded for consecutive samples"
}
