package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

type StepLatencyStats struct {
	Action   string  `json:"action"`
	Samples  int     `json:"samples"`
	Failures int     `json:"failures"`
	LastMS   float64 `json:"last_ms"`
	AvgMS    float64 `json:"avg_ms"`
	P50MS    float64 `json:"p50_ms"`
	P95MS    float64 `json:"p95_ms"`
	P99MS    float64 `json:"p99_ms"`
}

type OutcomeCount struct {
	Outcome string `json:"outcome"`
	Count   int    `json:"count"`
}

type StepLatencySnapshot struct {
	GeneratedAt time.Time          `json:"generated_at"`
	WindowSize  int                `json:"window_size"`
	Actions     []StepLatencyStats `json:"actions"`
	Outcomes    []OutcomeCount     `json:"outcomes,omitempty"`
}

// StepWindow keeps the most recent step durations per action in fixed-size
// ring buffers and counts step outcomes since the last reset.
type StepWindow struct {
	mu         sync.RWMutex
	maxSamples int
	actions    map[string]*stepBuffer
	outcomes   map[string]int
}

type stepBuffer struct {
	values   []float64
	next     int
	filled   bool
	last     float64
	failures int
}

func NewStepWindow(maxSamples int) *StepWindow {
	if maxSamples <= 0 {
		maxSamples = 256
	}
	return &StepWindow{
		maxSamples: maxSamples,
		actions:    make(map[string]*stepBuffer),
		outcomes:   make(map[string]int),
	}
}

func (w *StepWindow) Observe(action, outcome string, d time.Duration) {
	if w == nil || action == "" || d < 0 {
		return
	}
	ms := float64(d) / float64(time.Millisecond)
	w.mu.Lock()
	defer w.mu.Unlock()

	buf, ok := w.actions[action]
	if !ok {
		buf = &stepBuffer{values: make([]float64, w.maxSamples)}
		w.actions[action] = buf
	}
	buf.values[buf.next] = ms
	buf.last = ms
	buf.next++
	if buf.next >= len(buf.values) {
		buf.next = 0
		buf.filled = true
	}
	if outcome = strings.TrimSpace(outcome); outcome != "" {
		w.outcomes[outcome]++
		if outcome != "ok" {
			buf.failures++
		}
	}
}

func (w *StepWindow) Snapshot() StepLatencySnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	keys := make([]string, 0, len(w.actions))
	for action := range w.actions {
		keys = append(keys, action)
	}
	sort.Strings(keys)

	actions := make([]StepLatencyStats, 0, len(keys))
	for _, action := range keys {
		buf := w.actions[action]
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
		actions = append(actions, StepLatencyStats{
			Action:   action,
			Samples:  n,
			Failures: buf.failures,
			LastMS:   round2(buf.last),
			AvgMS:    round2(sum / float64(n)),
			P50MS:    round2(quantile(samples, 0.50)),
			P95MS:    round2(quantile(samples, 0.95)),
			P99MS:    round2(quantile(samples, 0.99)),
		})
	}

	outcomeKeys := make([]string, 0, len(w.outcomes))
	for name := range w.outcomes {
		outcomeKeys = append(outcomeKeys, name)
	}
	sort.Strings(outcomeKeys)
	outcomes := make([]OutcomeCount, 0, len(outcomeKeys))
	for _, name := range outcomeKeys {
		outcomes = append(outcomes, OutcomeCount{Outcome: name, Count: w.outcomes[name]})
	}

	return StepLatencySnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.maxSamples,
		Actions:     actions,
		Outcomes:    outcomes,
	}
}

func (w *StepWindow) Reset() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.actions = make(map[string]*stepBuffer)
	w.outcomes = make(map[string]int)
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
