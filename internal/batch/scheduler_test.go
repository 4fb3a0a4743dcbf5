package batch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ricesearch/kbprobe/internal/dataset"
	"github.com/ricesearch/kbprobe/internal/pkg/errors"
	"github.com/ricesearch/kbprobe/internal/probe/probetest"
	"github.com/ricesearch/kbprobe/internal/template"
)

func parseTemplates(t *testing.T, raws ...string) []template.Template {
	t.Helper()
	tpls, err := template.ParseAll(raws)
	require.NoError(t, err)
	return tpls
}

func testFacts() []dataset.Fact {
	return []dataset.Fact{
		{Subject: "alan mathison turing", Object: "london"},
		{Subject: "paris", Object: "france"},
		{Subject: "ada lovelace", Object: "london"},
		{Subject: "lyon", Object: "france"},
		{Subject: "marie salomea curie", Object: "warsaw"},
	}
}

func TestScheduler_StableLengthSort(t *testing.T) {
	tok := probetest.New(nil, nil)
	tpls := parseTemplates(t, "[X] was born in [Y] .")

	sched, err := NewScheduler(Config{BatchSize: 2}).Schedule(context.Background(), testFacts(), tpls, tok)
	require.NoError(t, err)

	var subjects []string
	for _, f := range sched.Facts() {
		subjects = append(subjects, f.Subject)
	}
	// one-word subjects first in original order, then two, then three
	assert.Equal(t, []string{"paris", "lyon", "ada lovelace", "alan mathison turing", "marie salomea curie"}, subjects)

	require.Equal(t, 3, sched.NumBatches())
	assert.Equal(t, 2, sched.Batches[0][0].Len())
	assert.Equal(t, 1, sched.Batches[2][0].Len())
}

func TestScheduler_CrossTemplateAlignment(t *testing.T) {
	tok := probetest.New(nil, nil)
	tpls := parseTemplates(t,
		"[X] was born in [Y] .",
		"[Y] is the birthplace of the famous person known as [X] .",
		"[X] , born [Y]",
	)

	sched, err := NewScheduler(Config{BatchSize: 2, Shuffle: true, Seed: 42}).
		Schedule(context.Background(), testFacts(), tpls, tok)
	require.NoError(t, err)

	for i, group := range sched.Batches {
		require.Len(t, group, 3)
		for t2 := 1; t2 < len(group); t2++ {
			require.Equal(t, group[0].Len(), group[t2].Len())
			for j := range group[0].Samples {
				assert.Equal(t, group[0].Samples[j].ID, group[t2].Samples[j].ID, "batch %d sample %d template %d", i, j, t2)
				assert.Equal(t, group[0].Samples[j].UUID, group[t2].Samples[j].UUID)
			}
		}
	}
}

func TestScheduler_ShuffleDeterministic(t *testing.T) {
	tok := probetest.New(nil, nil)
	tpls := parseTemplates(t, "[X] was born in [Y] .")
	facts := []dataset.Fact{
		{Subject: "a", Object: "x"}, {Subject: "b", Object: "x"}, {Subject: "c", Object: "x"},
		{Subject: "d", Object: "x"}, {Subject: "e", Object: "x"}, {Subject: "f", Object: "x"},
	}

	s1, err := NewScheduler(Config{BatchSize: 4, Shuffle: true, Seed: 7}).Schedule(context.Background(), facts, tpls, tok)
	require.NoError(t, err)
	s2, err := NewScheduler(Config{BatchSize: 4, Shuffle: true, Seed: 7}).Schedule(context.Background(), facts, tpls, tok)
	require.NoError(t, err)

	assert.Equal(t, s1.Facts(), s2.Facts())
}

func TestScheduler_Sentences(t *testing.T) {
	tok := probetest.New(nil, nil)
	tpls := parseTemplates(t, "[X] was born in [Y] .", "[Y] is the birthplace of [X] .")

	sched, err := NewScheduler(Config{BatchSize: 1}).
		Schedule(context.Background(), []dataset.Fact{{Subject: "Paris", Object: "France"}}, tpls, tok)
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"Paris was born in [MASK] ."}}, sched.Batches[0][0].Sentences)
	assert.Equal(t, [][]string{{"[MASK] is the birthplace of Paris ."}}, sched.Batches[0][1].Sentences)
	assert.Nil(t, sched.Batches[0][0].Samples[0].SubjectCloze)
	assert.Nil(t, sched.Batches[0][0].Samples[0].RelationCloze)
}

func TestScheduler_Clozes(t *testing.T) {
	tok := probetest.New(nil, nil)
	tpls := parseTemplates(t, "[X] was born in [Y] .")

	sched, err := NewScheduler(Config{BatchSize: 4, SubjectCloze: true, RelationCloze: true}).
		Schedule(context.Background(), []dataset.Fact{{Subject: "ada lovelace", Object: "london"}}, tpls, tok)
	require.NoError(t, err)

	smp := sched.Batches[0][0].Samples[0]
	require.NotNil(t, smp.SubjectCloze)
	require.NotNil(t, smp.RelationCloze)
	assert.Equal(t, []int{1, 1, 0, 0, 0, 0, 0}, smp.SubjectCloze.Mask)
	assert.Equal(t, []int{0, 0, 1, 1, 1, 0, 1}, smp.RelationCloze.Mask)
}

func TestScheduler_NoTemplates(t *testing.T) {
	tok := probetest.New(nil, nil)
	_, err := NewScheduler(Config{BatchSize: 1}).Schedule(context.Background(), testFacts(), nil, tok)
	assert.True(t, errors.IsValidation(err))
}
