package metrics

import (
	"math"
	"time"
)

// Window accumulates timing and score stats across multiple batches.
type Window struct {
	samples  int
	data     time.Duration
	infer    time.Duration
	steps    int
	hardSum  float64
	softSum  float64
	scored   int
	lastDice float64
}

// Record adds one batch measurement to the window.
func (w *Window) Record(batchSize int, dataTime, inferTime time.Duration) {
	w.samples += batchSize
	w.data += dataTime
	w.infer += inferTime
	w.steps++
}

// Observe adds one per-sample score pair to the window.
func (w *Window) Observe(hard, soft float64) {
	w.hardSum += hard
	w.softSum += soft
	w.scored++
	w.lastDice = hard
}

// Snapshot returns aggregated metrics and resets the window.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{}
	total := w.data + w.infer
	if total > 0 {
		snap.VolumesPerSec = float64(w.samples) / total.Seconds()
	}
	if w.steps > 0 {
		snap.AvgDataMS = (w.data.Seconds() * 1000) / float64(w.steps)
		snap.AvgInferMS = (w.infer.Seconds() * 1000) / float64(w.steps)
	}
	if w.scored > 0 {
		snap.MeanDice = w.hardSum / float64(w.scored)
		snap.MeanSoftDice = w.softSum / float64(w.scored)
	}
	snap.LastDice = w.lastDice

	*w = Window{}
	return snap
}

// Snapshot represents loggable metrics.
type Snapshot struct {
	VolumesPerSec float64
	AvgDataMS     float64
	AvgInferMS    float64
	MeanDice      float64
	MeanSoftDice  float64
	LastDice      float64
}

// Summary aggregates scores over a whole run.
type Summary struct {
	Count        int     `json:"count"`
	MeanDice     float64 `json:"mean_dice"`
	MinDice      float64 `json:"min_dice"`
	MaxDice      float64 `json:"max_dice"`
	MeanSoftDice float64 `json:"mean_soft_dice"`
}

// Add folds one sample into the summary.
func (s *Summary) Add(hard, soft float64) {
	if s.Count == 0 {
		s.MinDice = math.Inf(1)
		s.MaxDice = math.Inf(-1)
	}
	n := float64(s.Count)
	s.MeanDice = (s.MeanDice*n + hard) / (n + 1)
	s.MeanSoftDice = (s.MeanSoftDice*n + soft) / (n + 1)
	s.MinDice = math.Min(s.MinDice, hard)
	s.MaxDice = math.Max(s.MaxDice, hard)
	s.Count++
}
