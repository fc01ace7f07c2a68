package responses

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/noah-isme/gema-grader/internal/capa/correctmap"
	"github.com/noah-isme/gema-grader/internal/capa/xmltree"
	"github.com/noah-isme/gema-grader/pkg/markup"
)

// MultipleChoice grades a single selection from a choicegroup.
type MultipleChoice struct {
	base
	choices      map[string]*xmltree.Element
	correct      []string
	partial      map[string]float64
	pointsCredit bool
}

// NewMultipleChoice builds a multiplechoiceresponse handler. Choices are
// named choice_<name> when they carry a name and choice_<n> otherwise.
func NewMultipleChoice(el *xmltree.Element, ec *EvaluationContext) (Handler, error) {
	b, err := newBase(el, ec)
	if err != nil {
		return nil, err
	}
	if len(b.inputIDs) != 1 {
		return nil, malformed(el, "expects exactly one choicegroup, got %d", len(b.inputIDs))
	}

	credit := creditTypes(el)
	if len(credit) > 1 {
		return nil, malformed(el, "only one type of partial credit is allowed")
	}

	h := &MultipleChoice{
		base:    b,
		choices: make(map[string]*xmltree.Element),
		partial: make(map[string]float64),
	}
	if len(credit) == 1 {
		switch credit[0] {
		case "points":
			h.pointsCredit = true
		case "false":
		default:
			return nil, malformed(el, "partial_credit must be one of points, false")
		}
	}

	unnamed := 0
	for _, group := range el.Find("choicegroup") {
		for _, choice := range group.Find("choice") {
			name := choice.Attr("name")
			if name == "" {
				name = strconv.Itoa(unnamed)
				unnamed++
			}
			name = "choice_" + name
			choice.SetAttr("name", name)
			h.choices[name] = choice

			switch strings.ToLower(strings.TrimSpace(b.ec.Contextualize(choice.Attr("correct")))) {
			case "true":
				h.correct = append(h.correct, name)
			case "partial":
				value := 0.5
				if raw, ok := choice.LookupAttr("point_value"); ok {
					if value, err = strconv.ParseFloat(strings.TrimSpace(raw), 64); err != nil {
						return nil, malformed(el, "invalid point_value %q", raw)
					}
				}
				h.partial[name] = value
			}
		}
	}
	if len(h.choices) == 0 {
		return nil, malformed(el, "no choices")
	}
	return h, nil
}

// Grade compares the selected choice name with the correct ones.
func (h *MultipleChoice) Grade(_ context.Context, answers map[string]string) (Result, error) {
	id := h.firstInput()
	selected := strings.TrimSpace(answers[id])

	var record correctmap.Record
	switch {
	case containsString(h.correct, selected):
		record = h.credit(id, 1, "")
	case h.pointsCredit && h.partial[selected] > 0:
		record = correctmap.Record{
			Correctness: correctmap.PartiallyCorrect,
			NPoints:     correctmap.Points(h.partial[selected] * h.maxPoints[id]),
		}
	default:
		record = incorrect("")
	}

	if choice, ok := h.choices[selected]; ok {
		if hint := choice.First("choicehint"); hint != nil {
			record.Msg += markup.SanitizeHTML("<div>" + strings.TrimSpace(hint.InnerXML()) + "</div>")
		}
	}
	return single(id, record), nil
}

func (h *MultipleChoice) Answers() map[string]string {
	return map[string]string{h.firstInput(): strings.Join(h.correct, ",")}
}

// Checkbox grades a set of selected choices.
type Checkbox struct {
	base
	all        []string
	correct    map[string]struct{}
	creditType string
}

// NewCheckbox builds a choiceresponse handler. Choices are always named
// choice_<index> in document order.
func NewCheckbox(el *xmltree.Element, ec *EvaluationContext) (Handler, error) {
	b, err := newBase(el, ec)
	if err != nil {
		return nil, err
	}
	if len(b.inputIDs) != 1 {
		return nil, malformed(el, "expects exactly one checkboxgroup, got %d", len(b.inputIDs))
	}

	credit := creditTypes(el)
	if len(credit) > 1 {
		return nil, malformed(el, "only one type of partial credit is allowed")
	}

	h := &Checkbox{base: b, correct: make(map[string]struct{})}
	if len(credit) == 1 {
		switch credit[0] {
		case "edc", "halves":
			h.creditType = credit[0]
		case "false":
		default:
			return nil, malformed(el, "partial_credit must be one of edc, halves, false")
		}
	}

	for i, choice := range b.inputs[0].FindAll("choice") {
		name := "choice_" + strconv.Itoa(i)
		choice.SetAttr("name", name)
		h.all = append(h.all, name)
		if strings.EqualFold(strings.TrimSpace(b.ec.Contextualize(choice.Attr("correct"))), "true") {
			h.correct[name] = struct{}{}
		}
	}
	if len(h.all) == 0 {
		return nil, malformed(el, "no choices")
	}
	return h, nil
}

// ParseSelection reads a checkbox answer given as a JSON array or as a
// comma-separated list of choice names.
func ParseSelection(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	var names []string
	if strings.HasPrefix(raw, "[") && json.Unmarshal([]byte(raw), &names) == nil {
		return names
	}
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			names = append(names, part)
		}
	}
	return names
}

// Grade scores the selection exactly or with the configured partial credit.
func (h *Checkbox) Grade(_ context.Context, answers map[string]string) (Result, error) {
	id := h.firstInput()
	selection := ParseSelection(answers[id])
	if len(selection) == 0 {
		return single(id, incorrect("")), nil
	}

	selected := make(map[string]struct{}, len(selection))
	for _, name := range selection {
		selected[name] = struct{}{}
	}

	// Decisions are counted over the declared choices; unknown names only
	// count against exact grading.
	good, errs := 0, 0
	for _, name := range h.all {
		_, isSelected := selected[name]
		_, isCorrect := h.correct[name]
		if isSelected == isCorrect {
			good++
		} else {
			errs++
		}
	}
	exact := errs == 0 && len(selected) == len(h.correctNames())
	for name := range selected {
		if _, ok := h.correct[name]; !ok {
			exact = false
		}
	}

	maxPoints := h.maxPoints[id]
	var record correctmap.Record
	switch h.creditType {
	case "edc":
		switch {
		case good == len(h.all) && exact:
			record = h.credit(id, 1, "")
		case good > 0:
			record = correctmap.Record{
				Correctness: correctmap.PartiallyCorrect,
				NPoints:     correctmap.Points(roundAwayFromZero(maxPoints*float64(good)/float64(len(h.all)), 2)),
			}
		default:
			record = correctmap.Record{Correctness: correctmap.Incorrect, NPoints: correctmap.Points(0)}
		}
	case "halves":
		switch {
		case exact:
			record = h.credit(id, 1, "")
		case errs == 1 && len(h.all) > 2:
			record = correctmap.Record{Correctness: correctmap.PartiallyCorrect, NPoints: correctmap.Points(roundAwayFromZero(maxPoints/2, 2))}
		case errs == 2 && len(h.all) > 4:
			record = correctmap.Record{Correctness: correctmap.PartiallyCorrect, NPoints: correctmap.Points(roundAwayFromZero(maxPoints/4, 2))}
		default:
			record = incorrect("")
		}
	default:
		if exact {
			record = h.credit(id, 1, "")
		} else {
			record = incorrect("")
		}
	}
	return single(id, record), nil
}

func (h *Checkbox) correctNames() []string {
	names := make([]string, 0, len(h.correct))
	for name := range h.correct {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (h *Checkbox) Answers() map[string]string {
	return map[string]string{h.firstInput(): strings.Join(h.correctNames(), ",")}
}

func roundAwayFromZero(value float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(value*scale) / scale
}
