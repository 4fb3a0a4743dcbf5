// Package ensemble merges per-template object distributions into one.
package ensemble

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ricesearch/kbprobe/internal/pkg/errors"
)

// ScoreKind names a consistency score.
type ScoreKind int

const (
	// LM is the mean log-probability of the valid tokens of the plain sentence.
	LM ScoreKind = iota
	// RealLM is the mean log-probability of the relation tokens with the relation masked.
	RealLM
	// ObjLM is the highest object log-probability.
	ObjLM
	// ObjGap is the top-1 minus top-2 object log-probability.
	ObjGap
	// BackTranslation is the probability-weighted subject reconstruction score.
	BackTranslation
)

func (k ScoreKind) String() string {
	switch k {
	case LM:
		return "lm"
	case RealLM:
		return "real_lm"
	case ObjLM:
		return "obj_lm"
	case ObjGap:
		return "obj_lmgap"
	case BackTranslation:
		return "bt"
	default:
		return fmt.Sprintf("ScoreKind(%d)", int(k))
	}
}

// Strategy is one of None, MaxLM, TopK or Learned.
type Strategy interface {
	String() string
	isStrategy()
}

// None sums log-probabilities across templates.
type None struct{}

// MaxLM keeps the distribution of the template with the strictly highest
// consistency score.
type MaxLM struct {
	Real bool
}

// TopK averages the distributions of the K best-scoring templates. Templates
// tied with the K-th score are all included.
type TopK struct {
	Score ScoreKind
	K     int
	// Candidates is the number of back-translated objects for BackTranslation.
	Candidates int
}

// Learned delegates the merge to the template weight model.
type Learned struct{}

func (None) isStrategy()    {}
func (MaxLM) isStrategy()   {}
func (TopK) isStrategy()    {}
func (Learned) isStrategy() {}

func (None) String() string { return "none" }

func (s MaxLM) String() string {
	if s.Real {
		return "real_lm"
	}
	return "lm"
}

func (s TopK) String() string {
	if s.Score == BackTranslation {
		return fmt.Sprintf("bt_topk%d-%d", s.K, s.Candidates)
	}
	return fmt.Sprintf("%s_topk%d", s.Score, s.K)
}

func (Learned) String() string { return "learned" }

// Parse reads a strategy tag such as "none", "real_lm", "obj_lmgap_topk2",
// "bt_topk3-5" or "learned".
func Parse(tag string) (Strategy, error) {
	tag = strings.TrimSpace(tag)
	switch tag {
	case "", "none":
		return None{}, nil
	case "lm":
		return MaxLM{}, nil
	case "real_lm":
		return MaxLM{Real: true}, nil
	case "learned":
		return Learned{}, nil
	}

	prefixes := []struct {
		prefix string
		kind   ScoreKind
	}{
		{"real_lm_topk", RealLM},
		{"obj_lmgap_topk", ObjGap},
		{"obj_lm_topk", ObjLM},
		{"bt_topk", BackTranslation},
	}
	for _, p := range prefixes {
		rest, ok := strings.CutPrefix(tag, p.prefix)
		if !ok {
			continue
		}
		s := TopK{Score: p.kind}
		kPart := rest
		if p.kind == BackTranslation {
			var cands string
			kPart, cands, ok = strings.Cut(rest, "-")
			if !ok {
				return nil, errors.ValidationError(fmt.Sprintf("strategy %q: missing candidate count after '-'", tag))
			}
			n, err := strconv.Atoi(cands)
			if err != nil || n < 1 {
				return nil, errors.ValidationError(fmt.Sprintf("strategy %q: invalid candidate count", tag))
			}
			s.Candidates = n
		}
		k, err := strconv.Atoi(kPart)
		if err != nil || k < 1 {
			return nil, errors.ValidationError(fmt.Sprintf("strategy %q: invalid K", tag))
		}
		s.K = k
		return s, nil
	}
	return nil, errors.ValidationError(fmt.Sprintf("unknown strategy %q", tag))
}

// ScoreOf returns the consistency score a strategy ranks templates by.
func ScoreOf(s Strategy) (ScoreKind, bool) {
	switch v := s.(type) {
	case MaxLM:
		if v.Real {
			return RealLM, true
		}
		return LM, true
	case TopK:
		return v.Score, true
	default:
		return 0, false
	}
}

// NeedsRelationCloze reports whether the strategy scores relation-masked clozes.
func NeedsRelationCloze(s Strategy) bool {
	k, ok := ScoreOf(s)
	return ok && k == RealLM
}

// NeedsSubjectCloze reports whether the strategy back-translates subjects.
func NeedsSubjectCloze(s Strategy) bool {
	k, ok := ScoreOf(s)
	return ok && k == BackTranslation
}
