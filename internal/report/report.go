// Package report writes the per-relation result artifact of a run.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/ricesearch/kbprobe/internal/evaluation"
)

// SampleRef identifies the fact a result belongs to.
type SampleRef struct {
	SubLabel        string   `json:"sub_label"`
	ObjLabel        string   `json:"obj_label"`
	MaskedSentences []string `json:"masked_sentences"`
}

// Result is one element of list_of_results.
type Result struct {
	Sample           SampleRef             `json:"sample"`
	UUID             string                `json:"uuid"`
	TokenIDs         []int                 `json:"token_ids"`
	MaskedIndices    []int                 `json:"masked_indices"`
	LabelIndex       int                   `json:"label_index"`
	MaskedTopK       evaluation.MaskedTopK `json:"masked_topk"`
	SampleMRR        float64               `json:"sample_MRR"`
	SamplePrecision  float64               `json:"sample_Precision"`
	SamplePerplexity float64               `json:"sample_perplexity"`
	SamplePrecision1 float64               `json:"sample_Precision1"`
	Judgement        string                `json:"judgement,omitempty"`
}

// NewResult fills a Result from a scored sample. Infinite log-probabilities
// are clamped to the float64 range so the result stays valid JSON.
func NewResult(ref SampleRef, uuid string, tokenIDs, masked []int, label int, r evaluation.SampleResult, judgement string) Result {
	topk := r.MaskedTopK
	topk.TopK = make([]evaluation.Prediction, len(r.MaskedTopK.TopK))
	for i, p := range r.MaskedTopK.TopK {
		p.LogProb = finite(p.LogProb)
		topk.TopK[i] = p
	}
	topk.LabelLogProb = finite(topk.LabelLogProb)

	return Result{
		Sample:           ref,
		UUID:             uuid,
		TokenIDs:         tokenIDs,
		MaskedIndices:    masked,
		LabelIndex:       label,
		MaskedTopK:       topk,
		SampleMRR:        r.MRR,
		SamplePrecision:  r.PrecisionAtK,
		SamplePerplexity: finite(r.Perplexity),
		SamplePrecision1: r.Precision1,
		Judgement:        judgement,
	}
}

func finite(v float64) float64 {
	switch {
	case math.IsInf(v, -1):
		return -math.MaxFloat64
	case math.IsInf(v, 1):
		return math.MaxFloat64
	case math.IsNaN(v):
		return 0
	}
	return v
}

// Artifact is the result file of one relation.
type Artifact struct {
	RunID       string             `json:"run_id"`
	Relation    string             `json:"relation"`
	Strategy    string             `json:"strategy"`
	Mode        string             `json:"mode"`
	CreatedAt   time.Time          `json:"created_at"`
	Results     []Result           `json:"list_of_results"`
	GlobalMRR   float64            `json:"global_MRR"`
	GlobalPAt10 float64            `json:"global_P_at_10"`
	Summary     evaluation.Summary `json:"summary"`
	Excluded    map[string]int     `json:"excluded,omitempty"`
	Loss        *float64           `json:"loss,omitempty"`
}

// SetSummary stores s and copies its global means into the headline fields.
func (a *Artifact) SetSummary(s evaluation.Summary) {
	a.Summary = s
	a.GlobalMRR, a.GlobalPAt10 = 0, 0
	if s.Global.MRR != nil {
		a.GlobalMRR = *s.Global.MRR
	}
	if s.Global.PrecisionAtK != nil {
		a.GlobalPAt10 = *s.Global.PrecisionAtK
	}
}

// Path returns the artifact location for a relation inside dir.
func Path(dir, relation string) string {
	return filepath.Join(dir, relation, "result.json")
}

// Write stores the artifact as indented JSON. The file is replaced atomically.
func Write(path string, a *Artifact) error {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".result-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write result: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync result: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close result: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// Read loads an artifact written by Write.
func Read(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read result: %w", err)
	}
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to parse result: %w", err)
	}
	return &a, nil
}

// PrintSummary writes a human readable table of the artifact's buckets.
func PrintSummary(w io.Writer, a *Artifact) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "relation\t%s\n", a.Relation)
	fmt.Fprintf(tw, "strategy\t%s\n", a.Strategy)
	if a.Loss != nil {
		fmt.Fprintf(tw, "loss\t%.4f\n", *a.Loss)
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "bucket\tsamples\tMRR\tP@K\tP@1")
	for _, row := range []struct {
		name string
		b    evaluation.Bucket
	}{
		{"global", a.Summary.Global},
		{"positive", a.Summary.Positive},
		{"negative", a.Summary.Negative},
	} {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", row.name, row.b.Samples, num(row.b.MRR), num(row.b.PrecisionAtK), num(row.b.Precision1))
	}
	if d := a.Summary.Correct; d != nil {
		fmt.Fprintf(tw, "correct top1\t%d\tgap=%.4f\tp=%.4f\t\n", d.Count, d.Gap, d.Top1)
	}
	if d := a.Summary.Incorrect; d != nil {
		fmt.Fprintf(tw, "incorrect top1\t%d\tgap=%.4f\tp=%.4f\t\n", d.Count, d.Gap, d.Top1)
	}
	return tw.Flush()
}

func num(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.4f", *v)
}
