// Package template parses relation templates and builds the cloze inputs
// derived from them.
package template

import (
	"context"
	"fmt"
	"strings"

	"github.com/ricesearch/kbprobe/internal/pkg/errors"
	"github.com/ricesearch/kbprobe/internal/probe"
)

// Placeholders.
const (
	SubjectSymbol = "[X]"
	ObjectSymbol  = "[Y]"
)

// MaskPart selects which tokens of a cloze are marked in its mask.
type MaskPart int

const (
	// MaskRelation marks every token except the subject and object slots.
	MaskRelation MaskPart = iota
	// MaskSubject marks only the subject tokens.
	MaskSubject
)

func (p MaskPart) String() string {
	switch p {
	case MaskRelation:
		return "relation"
	case MaskSubject:
		return "subject"
	default:
		return fmt.Sprintf("MaskPart(%d)", int(p))
	}
}

// Template is a parsed paraphrase pattern such as "[X] was born in [Y] .".
type Template struct {
	Raw          string
	subjectFirst bool
}

// Parse validates a raw template. Both placeholders must be present.
func Parse(raw string) (Template, error) {
	raw = strings.TrimSpace(raw)
	x := strings.Index(raw, SubjectSymbol)
	y := strings.Index(raw, ObjectSymbol)
	switch {
	case x < 0 && y < 0:
		return Template{}, errors.MalformedTemplateError(raw, "template has neither [X] nor [Y]")
	case x < 0:
		return Template{}, errors.MalformedTemplateError(raw, "template has no subject placeholder [X]")
	case y < 0:
		return Template{}, errors.MalformedTemplateError(raw, "template has no object placeholder [Y]")
	}
	return Template{Raw: raw, subjectFirst: x < y}, nil
}

// ParseAll parses templates in order.
func ParseAll(raws []string) ([]Template, error) {
	out := make([]Template, 0, len(raws))
	for i, r := range raws {
		t, err := Parse(r)
		if err != nil {
			return nil, fmt.Errorf("template %d: %w", i, err)
		}
		out = append(out, t)
	}
	return out, nil
}

// String returns the raw template.
func (t Template) String() string {
	return t.Raw
}

// Fill substitutes the subject and object placeholders.
func (t Template) Fill(subject, object string) string {
	s := strings.ReplaceAll(t.Raw, SubjectSymbol, subject)
	return strings.ReplaceAll(s, ObjectSymbol, object)
}

// Cloze is a tokenized template with the subject slot expanded and the object
// slot left as the mask token.
type Cloze struct {
	Tokens    []string
	Mask      []int
	ObjectPos int
}

// Cloze tokenizes the template with both slots masked, then expands the subject
// slot into the subject's tokens. Exactly two mask slots must result.
func (t Template) Cloze(ctx context.Context, subject string, tok probe.Tokenizer, part MaskPart) (*Cloze, error) {
	mask := tok.MaskToken()
	s := strings.ReplaceAll(t.Raw, SubjectSymbol, mask)
	s = strings.ReplaceAll(s, ObjectSymbol, mask)

	toks, err := tok.Tokenize(ctx, s)
	if err != nil {
		return nil, err
	}

	var slots []int
	marks := make([]int, len(toks))
	for i, tk := range toks {
		if tk == mask {
			slots = append(slots, i)
			continue
		}
		if part == MaskRelation {
			marks[i] = 1
		}
	}
	if len(slots) != 2 {
		return nil, errors.MalformedTemplateError(t.Raw, fmt.Sprintf("tokenizes to %d mask slots, want 2", len(slots)))
	}

	subjPos, objPos := slots[0], slots[1]
	if !t.subjectFirst {
		subjPos, objPos = slots[1], slots[0]
	}

	subToks, err := tok.Tokenize(ctx, strings.TrimSpace(subject))
	if err != nil {
		return nil, err
	}
	subMark := 0
	if part == MaskSubject {
		subMark = 1
	}

	c := &Cloze{
		Tokens: make([]string, 0, len(toks)+len(subToks)-1),
		Mask:   make([]int, 0, len(toks)+len(subToks)-1),
	}
	c.Tokens = append(c.Tokens, toks[:subjPos]...)
	c.Mask = append(c.Mask, marks[:subjPos]...)
	for _, st := range subToks {
		c.Tokens = append(c.Tokens, st)
		c.Mask = append(c.Mask, subMark)
	}
	c.Tokens = append(c.Tokens, toks[subjPos+1:]...)
	c.Mask = append(c.Mask, marks[subjPos+1:]...)

	c.ObjectPos = objPos
	if objPos > subjPos {
		c.ObjectPos = objPos + len(subToks) - 1
	}
	return c, nil
}

// WithObject returns a copy of the cloze tokens with the object slot replaced.
func (c *Cloze) WithObject(surface string) []string {
	out := make([]string, len(c.Tokens))
	copy(out, c.Tokens)
	out[c.ObjectPos] = surface
	return out
}
