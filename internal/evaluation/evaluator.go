// Package evaluation turns final object distributions into rank metrics.
package evaluation

import (
	"sync"

	"github.com/ricesearch/kbprobe/internal/dataset"
)

// Judgement labels written to results.
const (
	JudgementPositive = "positive"
	JudgementNegative = "negative"
)

type sums struct {
	n    int
	mrr  float64
	patk float64
	pat1 float64
}

func (s *sums) add(r SampleResult) {
	s.n++
	s.mrr += r.MRR
	s.patk += r.PrecisionAtK
	s.pat1 += r.Precision1
}

func (s *sums) bucket() Bucket {
	b := Bucket{Samples: s.n}
	if s.n == 0 {
		return b
	}
	n := float64(s.n)
	mrr, patk, pat1 := s.mrr/n, s.patk/n, s.pat1/n
	b.MRR, b.PrecisionAtK, b.Precision1 = &mrr, &patk, &pat1
	return b
}

// Aggregator accumulates running sums of sample metrics.
type Aggregator struct {
	mu       sync.Mutex
	global   sums
	positive sums
	negative sums
	diag     [2][3]float64
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// Add records one sample. With judgments present the sample also counts toward
// the positive or negative bucket by majority vote, ties counting negative.
// It returns the judgement label, empty without judgments.
func (a *Aggregator) Add(r SampleResult, judgments []dataset.Judgment) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.global.add(r)
	if len(judgments) == 0 {
		return ""
	}
	if dataset.Negative(judgments) {
		a.negative.add(r)
		return JudgementNegative
	}
	a.positive.add(r)
	return JudgementPositive
}

// AddDiagnostics adds a Diagnose result.
func (a *Aggregator) AddDiagnostics(stat [2][3]float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range stat {
		for j := range stat[i] {
			a.diag[i][j] += stat[i][j]
		}
	}
}

// Summary returns the means of everything added so far.
func (a *Aggregator) Summary() Summary {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Summary{
		Global:    a.global.bucket(),
		Positive:  a.positive.bucket(),
		Negative:  a.negative.bucket(),
		Correct:   diagRow(a.diag[0]),
		Incorrect: diagRow(a.diag[1]),
	}
}

func diagRow(r [3]float64) *DiagnosticRow {
	if r[2] == 0 {
		return nil
	}
	return &DiagnosticRow{Count: int(r[2]), Gap: r[0] / r[2], Top1: r[1] / r[2]}
}
