package dataset

import (
	"context"
	"strings"

	"github.com/ricesearch/kbprobe/internal/pkg/logger"
	"github.com/ricesearch/kbprobe/internal/pkg/security"
	"github.com/ricesearch/kbprobe/internal/template"
	"github.com/ricesearch/kbprobe/internal/vocab"
)

// Exclusion reasons.
const (
	ReasonMissingLabels    = "missing_labels"
	ReasonSentenceTooLong  = "sentence_too_long"
	ReasonNotInSubset      = "not_in_vocab_subset"
	ReasonNotInVocab       = "not_in_model_vocab"
	ReasonMultiToken       = "multi_token_object"
	ReasonNegativeEvidence = "negative_evidence"
)

// LabelResolver resolves object labels against the model vocabulary.
type LabelResolver interface {
	vocab.Resolver
	Vocab() []string
	MaskToken() string
}

// Filter drops records that cannot be scored. Exclusions are logged and
// counted, never returned as errors.
type Filter struct {
	Model             LabelResolver
	Subset            *vocab.Subset
	Templates         []template.Template
	MaxSentenceLength int
	SkipNegative      bool
	Log               *logger.Logger
}

// Result is the outcome of Apply.
type Result struct {
	Kept     []Record
	Excluded map[string]int
}

// Total returns the number of excluded records.
func (r *Result) Total() int {
	n := 0
	for _, c := range r.Excluded {
		n += c
	}
	return n
}

// Apply filters records. Model lookup failures are returned.
func (f *Filter) Apply(ctx context.Context, records []Record) (*Result, error) {
	res := &Result{Excluded: make(map[string]int)}
	exclude := func(r Record, reason string) {
		res.Excluded[reason]++
		f.Log.Debug("Excluded sample", "subject", security.SanitizeForLog(r.SubLabel), "object", security.SanitizeForLog(r.ObjLabel), "reason", reason)
	}

	vocabTable := f.Model.Vocab()
	for _, r := range records {
		if strings.TrimSpace(r.SubLabel) == "" || strings.TrimSpace(r.ObjLabel) == "" {
			exclude(r, ReasonMissingLabels)
			continue
		}

		if f.MaxSentenceLength > 0 && f.tooLong(r) {
			exclude(r, ReasonSentenceTooLong)
			continue
		}

		if f.Subset != nil && !f.inSubset(r.ObjLabel) {
			exclude(r, ReasonNotInSubset)
			continue
		}

		ids, err := f.Model.TokenID(ctx, r.ObjLabel)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			exclude(r, ReasonNotInVocab)
			continue
		}
		parts, ok := surfaces(vocabTable, ids)
		if !ok || strings.TrimSpace(strings.Join(parts, " ")) != r.ObjLabel {
			exclude(r, ReasonNotInVocab)
			continue
		}
		if len(ids) > 1 {
			exclude(r, ReasonMultiToken)
			continue
		}

		if f.SkipNegative && len(r.Judgments) > 0 {
			yes, no := Votes(r.Judgments)
			if no > yes {
				exclude(r, ReasonNegativeEvidence)
				continue
			}
		}

		res.Kept = append(res.Kept, r)
	}

	f.Log.Info("Filtered samples", "kept", len(res.Kept), "excluded", res.Total())
	return res, nil
}

// surfaces maps ids to vocabulary words. It reports false for ids outside the table.
func surfaces(table []string, ids []int) ([]string, bool) {
	parts := make([]string, len(ids))
	for i, id := range ids {
		if id < 0 || id >= len(table) {
			return nil, false
		}
		parts[i] = table[id]
	}
	return parts, true
}

func (f *Filter) tooLong(r Record) bool {
	if len(f.Templates) == 0 {
		return len(strings.Fields(strings.Join(r.MaskedSentences, " "))) > f.MaxSentenceLength
	}
	mask := f.Model.MaskToken()
	for _, t := range f.Templates {
		if len(strings.Fields(t.Fill(r.SubLabel, mask))) > f.MaxSentenceLength {
			return true
		}
	}
	return false
}

func (f *Filter) inSubset(label string) bool {
	for _, w := range strings.Split(label, " ") {
		if !f.Subset.ContainsWord(w) {
			return false
		}
	}
	return true
}
