package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// MilestoneStats summarizes a rolling window of latencies for one named
// session milestone (time from session start to the milestone).
type MilestoneStats struct {
	Milestone   string  `json:"milestone"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
}

type Indicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type MilestoneSnapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	WindowSize  int              `json:"window_size"`
	Milestones  []MilestoneStats `json:"milestones"`
	Indicators  []Indicator      `json:"indicators,omitempty"`
}

// MilestoneWindow keeps a fixed-size ring of latency samples per milestone
// plus simple event counters, for the /stats endpoint.
type MilestoneWindow struct {
	mu         sync.RWMutex
	maxSamples int
	buffers    map[string]*ringBuffer
	indicators map[string]int
}

type ringBuffer struct {
	values []float64
	next   int
	filled bool
	last   float64
}

func NewMilestoneWindow(maxSamples int) *MilestoneWindow {
	if maxSamples <= 0 {
		maxSamples = 256
	}
	return &MilestoneWindow{
		maxSamples: maxSamples,
		buffers:    make(map[string]*ringBuffer),
		indicators: make(map[string]int),
	}
}

func (w *MilestoneWindow) Observe(milestone string, d time.Duration) {
	if w == nil {
		return
	}
	ms := float64(d.Milliseconds())
	if milestone == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	buf, ok := w.buffers[milestone]
	if !ok {
		buf = &ringBuffer{values: make([]float64, w.maxSamples)}
		w.buffers[milestone] = buf
	}
	buf.values[buf.next] = ms
	buf.last = ms
	buf.next++
	if buf.next >= len(buf.values) {
		buf.next = 0
		buf.filled = true
	}
}

func (w *MilestoneWindow) ObserveIndicator(name string) {
	if w == nil {
		return
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.indicators[name]++
}

func (w *MilestoneWindow) Snapshot() MilestoneSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	names := make([]string, 0, len(w.buffers))
	for name := range w.buffers {
		names = append(names, name)
	}
	sort.Strings(names)

	milestones := make([]MilestoneStats, 0, len(names))
	for _, name := range names {
		buf := w.buffers[name]
		n := buf.next
		if buf.filled {
			n = len(buf.values)
		}
		if n <= 0 {
			continue
		}
		samples := make([]float64, n)
		copy(samples, buf.values[:n])
		sort.Float64s(samples)

		sum := 0.0
		for _, v := range samples {
			sum += v
		}

		milestones = append(milestones, MilestoneStats{
			Milestone:   name,
			Samples:     n,
			LastMS:      round2(buf.last),
			AvgMS:       round2(sum / float64(n)),
			P50MS:       round2(quantile(samples, 0.50)),
			P95MS:       round2(quantile(samples, 0.95)),
			P99MS:       round2(quantile(samples, 0.99)),
			TargetP95MS: milestoneTargetP95MS(name),
		})
	}

	indicatorNames := make([]string, 0, len(w.indicators))
	for name := range w.indicators {
		indicatorNames = append(indicatorNames, name)
	}
	sort.Strings(indicatorNames)
	indicators := make([]Indicator, 0, len(indicatorNames))
	for _, name := range indicatorNames {
		if count := w.indicators[name]; count > 0 {
			indicators = append(indicators, Indicator{Name: name, Count: count})
		}
	}

	return MilestoneSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.maxSamples,
		Milestones:  milestones,
		Indicators:  indicators,
	}
}

func (w *MilestoneWindow) Reset() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buffers = make(map[string]*ringBuffer)
	w.indicators = make(map[string]int)
}

func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := q * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func milestoneTargetP95MS(name string) float64 {
	switch name {
	case "ConnectedAt":
		return 1500
	case "FirstAudioAt":
		return 2500
	case "AvatarReadyAt":
		return 8000
	default:
		return 0
	}
}
