// Package batch groups relation facts into length-sorted batches that are
// aligned across every template of the relation.
package batch

import (
	"context"
	"math/rand/v2"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/ricesearch/kbprobe/internal/dataset"
	"github.com/ricesearch/kbprobe/internal/pkg/errors"
	"github.com/ricesearch/kbprobe/internal/probe"
	"github.com/ricesearch/kbprobe/internal/template"
)

// Sample is one fact rendered through one template.
type Sample struct {
	ID            int
	UUID          string
	Subject       string
	Object        string
	Sentence      string
	SubjectCloze  *template.Cloze
	RelationCloze *template.Cloze
	Judgments     []dataset.Judgment
}

// Batch is an ordered group of samples under one template.
type Batch struct {
	Samples   []*Sample
	Sentences [][]string
}

// Len returns the number of samples.
func (b *Batch) Len() int {
	return len(b.Samples)
}

// Schedule holds the batches of a relation. Batches[i][t] is batch i rendered
// through template t; sample j of batch i names the same fact for every t.
type Schedule struct {
	Templates []template.Template
	Batches   [][]*Batch
}

// NumBatches returns the number of batches.
func (s *Schedule) NumBatches() int {
	return len(s.Batches)
}

// Facts returns the scheduled facts in batch order.
func (s *Schedule) Facts() []dataset.Fact {
	var facts []dataset.Fact
	for _, group := range s.Batches {
		for _, smp := range group[0].Samples {
			facts = append(facts, dataset.Fact{Subject: smp.Subject, Object: smp.Object, Judgments: smp.Judgments})
		}
	}
	return facts
}

// Config configures the scheduler.
type Config struct {
	Relation  string
	BatchSize int

	// Shuffle permutes facts with Seed before the stable length sort.
	Shuffle bool
	Seed    int64

	// SubjectCloze and RelationCloze request the tokenized cloze variants.
	SubjectCloze  bool
	RelationCloze bool
}

// Scheduler builds schedules.
type Scheduler struct {
	cfg Config
}

// NewScheduler creates a scheduler.
func NewScheduler(cfg Config) *Scheduler {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	return &Scheduler{cfg: cfg}
}

// Schedule renders every fact through every template and groups them into
// batches. The ordering is computed once and shared by all templates.
func (s *Scheduler) Schedule(ctx context.Context, facts []dataset.Fact, templates []template.Template, tok probe.Tokenizer) (*Schedule, error) {
	if len(templates) == 0 {
		return nil, errors.ValidationError("at least one template is required")
	}
	mask := tok.MaskToken()

	// samples[t][f]
	samples := make([][]*Sample, len(templates))
	for t, tpl := range templates {
		samples[t] = make([]*Sample, len(facts))
		for f, fact := range facts {
			smp := &Sample{
				ID:        f,
				UUID:      factUUID(s.cfg.Relation, fact),
				Subject:   fact.Subject,
				Object:    fact.Object,
				Sentence:  tpl.Fill(fact.Subject, mask),
				Judgments: fact.Judgments,
			}
			if s.cfg.SubjectCloze {
				c, err := tpl.Cloze(ctx, fact.Subject, tok, template.MaskSubject)
				if err != nil {
					return nil, err
				}
				smp.SubjectCloze = c
			}
			if s.cfg.RelationCloze {
				c, err := tpl.Cloze(ctx, fact.Subject, tok, template.MaskRelation)
				if err != nil {
					return nil, err
				}
				smp.RelationCloze = c
			}
			samples[t][f] = smp
		}
	}

	order := s.order(samples[0])

	sched := &Schedule{Templates: templates}
	for start := 0; start < len(order); start += s.cfg.BatchSize {
		end := min(start+s.cfg.BatchSize, len(order))
		group := make([]*Batch, len(templates))
		for t := range templates {
			b := &Batch{}
			for _, idx := range order[start:end] {
				smp := samples[t][idx]
				b.Samples = append(b.Samples, smp)
				b.Sentences = append(b.Sentences, []string{smp.Sentence})
			}
			group[t] = b
		}
		sched.Batches = append(sched.Batches, group)
	}
	return sched, nil
}

// order returns the fact permutation: optional seeded shuffle, then a stable
// sort by whitespace word count of the reference sentences.
func (s *Scheduler) order(ref []*Sample) []int {
	order := make([]int, len(ref))
	for i := range order {
		order[i] = i
	}
	if s.cfg.Shuffle {
		rng := rand.New(rand.NewPCG(uint64(s.cfg.Seed), uint64(len(ref))))
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	sort.SliceStable(order, func(i, j int) bool {
		return wordCount(ref[order[i]].Sentence) < wordCount(ref[order[j]].Sentence)
	})
	return order
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}

func factUUID(relation string, f dataset.Fact) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(relation+"\x1f"+f.Subject+"\x1f"+f.Object)).String()
}
