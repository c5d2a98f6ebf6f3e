package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// TurnStageStats summarises the retained samples of one turn stage.
type TurnStageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	MaxMS       float64 `json:"max_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
	// OverTarget counts retained samples slower than the target.
	OverTarget int `json:"over_target,omitempty"`
}

type TurnIndicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type TurnStageSnapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	WindowSize  int              `json:"window_size"`
	Stages      []TurnStageStats `json:"stages"`
	Indicators  []TurnIndicator  `json:"indicators,omitempty"`
}

// stageTargets are the p95 budgets for a voice turn. The commit stage
// includes the 500ms debounce.
var stageTargets = map[string]float64{
	StageSpeechStoppedToCommit:   700,
	StageCommitToResponseCreated: 500,
	StageCommitToFirstText:       900,
	StageCommitToFirstAudio:      1200,
	StageTurnTotal:               5000,
}

// ring keeps the newest cap samples in milliseconds.
type ring struct {
	buf  []float64
	head int
	full bool
	last float64
}

func (r *ring) push(ms float64) {
	r.buf[r.head] = ms
	r.last = ms
	r.head = (r.head + 1) % len(r.buf)
	if r.head == 0 {
		r.full = true
	}
}

func (r *ring) values() []float64 {
	n := r.head
	if r.full {
		n = len(r.buf)
	}
	return append([]float64(nil), r.buf[:n]...)
}

// latencyWindow records per-stage turn latencies and counts turn
// indicators between resets.
type latencyWindow struct {
	mu         sync.Mutex
	size       int
	stages     map[string]*ring
	indicators map[string]int
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = 256
	}
	w := &latencyWindow{size: size}
	w.clear()
	return w
}

func (w *latencyWindow) clear() {
	w.stages = make(map[string]*ring)
	w.indicators = make(map[string]int)
}

func (w *latencyWindow) Observe(stage string, ms float64) {
	if stage == "" || ms < 0 || math.IsNaN(ms) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.stages[stage]
	if !ok {
		r = &ring{buf: make([]float64, w.size)}
		w.stages[stage] = r
	}
	r.push(ms)
}

func (w *latencyWindow) ObserveIndicator(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.indicators[name]++
}

func (w *latencyWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.clear()
}

func (w *latencyWindow) Snapshot() TurnStageSnapshot {
	w.mu.Lock()
	snap := TurnStageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      make([]TurnStageStats, 0, len(w.stages)),
	}
	for stage, r := range w.stages {
		if st, ok := summarize(stage, r.values(), r.last); ok {
			snap.Stages = append(snap.Stages, st)
		}
	}
	for name, n := range w.indicators {
		snap.Indicators = append(snap.Indicators, TurnIndicator{Name: name, Count: n})
	}
	w.mu.Unlock()

	sort.Slice(snap.Stages, func(i, j int) bool { return snap.Stages[i].Stage < snap.Stages[j].Stage })
	sort.Slice(snap.Indicators, func(i, j int) bool { return snap.Indicators[i].Name < snap.Indicators[j].Name })
	return snap
}

func summarize(stage string, samples []float64, last float64) (TurnStageStats, bool) {
	if len(samples) == 0 {
		return TurnStageStats{}, false
	}
	sort.Float64s(samples)
	target := stageTargets[stage]

	sum, over := 0.0, 0
	for _, v := range samples {
		sum += v
		if target > 0 && v > target {
			over++
		}
	}
	return TurnStageStats{
		Stage:       stage,
		Samples:     len(samples),
		LastMS:      round2(last),
		AvgMS:       round2(sum / float64(len(samples))),
		MaxMS:       round2(samples[len(samples)-1]),
		P50MS:       round2(percentile(samples, 50)),
		P95MS:       round2(percentile(samples, 95)),
		P99MS:       round2(percentile(samples, 99)),
		TargetP95MS: target,
		OverTarget:  over,
	}, true
}

// percentile uses the nearest-rank method on sorted samples.
func percentile(sorted []float64, p float64) float64 {
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
