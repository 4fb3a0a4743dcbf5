// Package dataset loads relation fact records and filters them before scheduling.
package dataset

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Judgment is one human annotation of a fact.
type Judgment struct {
	Judgment string `json:"judgment"`
}

// Record is one line of a relation dataset file.
type Record struct {
	SubLabel        string     `json:"sub_label"`
	ObjLabel        string     `json:"obj_label"`
	MaskedSentences []string   `json:"masked_sentences"`
	Judgments       []Judgment `json:"judgments,omitempty"`
}

// Fact is a deduplicated (subject, object) pair.
type Fact struct {
	Subject   string
	Object    string
	Judgments []Judgment
}

// LoadFile reads a JSONL dataset. Blank lines are skipped.
func LoadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var r Record
		if err := json.Unmarshal([]byte(text), &r); err != nil {
			return nil, fmt.Errorf("dataset line %d: %w", line, err)
		}
		records = append(records, r)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}
	Normalize(records)
	return records, nil
}

// Normalize trims surrounding whitespace from labels in place. LoadFile applies it.
func Normalize(records []Record) {
	for i := range records {
		records[i].SubLabel = strings.TrimSpace(records[i].SubLabel)
		records[i].ObjLabel = strings.TrimSpace(records[i].ObjLabel)
	}
}

// Lowercase lowercases labels and sentences in place, keeping the mask token intact.
func Lowercase(records []Record, maskToken string) {
	lowerMask := strings.ToLower(maskToken)
	for i := range records {
		r := &records[i]
		r.SubLabel = strings.ToLower(r.SubLabel)
		r.ObjLabel = strings.ToLower(r.ObjLabel)
		for j, s := range r.MaskedSentences {
			s = strings.ToLower(s)
			if lowerMask != maskToken {
				s = strings.ReplaceAll(s, lowerMask, maskToken)
			}
			r.MaskedSentences[j] = s
		}
	}
}

// Facts deduplicates records by (subject, object), keeping first-seen order.
// Judgments come from the first record naming the fact.
func Facts(records []Record) []Fact {
	type key struct{ sub, obj string }
	seen := make(map[key]bool, len(records))
	var facts []Fact
	for _, r := range records {
		k := key{r.SubLabel, r.ObjLabel}
		if seen[k] {
			continue
		}
		seen[k] = true
		facts = append(facts, Fact{Subject: k.sub, Object: k.obj, Judgments: r.Judgments})
	}
	return facts
}

// Votes counts yes and no judgments. Anything other than "yes" counts as no.
func Votes(js []Judgment) (yes, no int) {
	for _, j := range js {
		if j.Judgment == "yes" {
			yes++
		} else {
			no++
		}
	}
	return yes, no
}

// Negative reports whether the majority judgment is negative. Ties are negative.
func Negative(js []Judgment) bool {
	yes, no := Votes(js)
	return no >= yes
}
