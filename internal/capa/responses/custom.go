package responses

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/noah-isme/gema-grader/internal/capa/correctmap"
	"github.com/noah-isme/gema-grader/internal/capa/xmltree"
	"github.com/noah-isme/gema-grader/pkg/sandbox"
)

// defaultPartialCredit is the fraction awarded to a partially-correct input
// when the check code does not supply a grade decimal.
const defaultPartialCredit = 0.5

// Custom grades through instructor code run in the sandbox, either a
// function named by cfn or an <answer> script.
type Custom struct {
	base
	function       string
	code           string
	expect         string
	emptyAnswerMsg bool
}

// NewCustom builds a customresponse handler.
func NewCustom(el *xmltree.Element, ec *EvaluationContext) (Handler, error) {
	b, err := newBase(el, ec)
	if err != nil {
		return nil, err
	}

	h := &Custom{
		base:     b,
		function: strings.TrimSpace(el.Attr("cfn")),
		expect:   b.ec.Contextualize(el.Attr("expect")),
	}
	_, h.emptyAnswerMsg = el.LookupAttr("empty_answer_err")

	if h.expect == "" {
		h.expect = b.ec.Contextualize(el.Attr("answer"))
	}
	if h.function == "" {
		answer := el.First("answer")
		if answer == nil {
			return nil, malformed(el, "needs a cfn attribute or an <answer> script")
		}
		h.code = dedent(answer.Text())
	}
	return h, nil
}

// Grade runs the check code over the answers ordered by input position.
func (h *Custom) Grade(ctx context.Context, answers map[string]string) (Result, error) {
	ids := h.sortedInputIDs()
	submission := make([]any, len(ids))
	for i, id := range ids {
		submission[i] = answers[id]
	}

	if len(ids) == 1 && strings.TrimSpace(answers[ids[0]]) == "" {
		msg := ""
		if h.emptyAnswerMsg {
			msg = `<span class="inline-error">No answer entered!</span>`
		}
		return single(ids[0], incorrect(msg)), nil
	}

	return runCheck(ctx, &h.base, ids, sandbox.Job{
		Mode:       h.mode(),
		Script:     h.ec.Script,
		Code:       h.code,
		Function:   h.function,
		Expect:     h.expect,
		Submission: submission,
		AnswerIDs:  ids,
		Seed:       h.ec.Seed,
	})
}

func (h *Custom) mode() sandbox.Mode {
	if h.function != "" {
		return sandbox.ModeFunction
	}
	return sandbox.ModeCheck
}

// Answers reports the expect attribute for a single input and nothing
// otherwise; the correct answer is known only to the check code.
func (h *Custom) Answers() map[string]string {
	if h.expect == "" || len(h.inputIDs) != 1 {
		return map[string]string{}
	}
	return map[string]string{h.firstInput(): h.expect}
}

// Schematic grades circuit answers with the same orchestration as Custom,
// after decoding every answer as JSON.
type Schematic struct {
	base
	code string
}

// NewSchematic builds a schematicresponse handler.
func NewSchematic(el *xmltree.Element, ec *EvaluationContext) (Handler, error) {
	b, err := newBase(el, ec)
	if err != nil {
		return nil, err
	}
	answer := el.First("answer")
	if answer == nil {
		return nil, malformed(el, "missing <answer> script")
	}
	return &Schematic{base: b, code: dedent(answer.Text())}, nil
}

func (h *Schematic) Grade(ctx context.Context, answers map[string]string) (Result, error) {
	ids := h.sortedInputIDs()
	submission := make([]any, len(ids))
	for i, id := range ids {
		var decoded any
		if err := json.Unmarshal([]byte(answers[id]), &decoded); err != nil {
			return single(id, incorrect("Could not read the submitted schematic.")), nil
		}
		submission[i] = decoded
	}

	return runCheck(ctx, &h.base, ids, sandbox.Job{
		Mode:       sandbox.ModeCheck,
		Script:     h.ec.Script,
		Code:       h.code,
		Submission: submission,
		AnswerIDs:  ids,
		Seed:       h.ec.Seed,
	})
}

// Answers uses the correct_answer attribute of each input when present.
func (h *Schematic) Answers() map[string]string {
	out := make(map[string]string)
	for i, input := range h.inputs {
		if answer, ok := input.LookupAttr("correct_answer"); ok {
			out[h.inputIDs[i]] = h.ec.Contextualize(answer)
		}
	}
	return out
}

func runCheck(ctx context.Context, b *base, ids []string, job sandbox.Job) (Result, error) {
	if b.ec.Sandbox == nil {
		return Result{}, ErrSandboxUnavailable
	}

	outcome, err := b.ec.Sandbox.Execute(ctx, job)
	if err != nil {
		return Result{}, fmt.Errorf("%s %s: %w", b.tag, b.id, err)
	}

	var verdict checkVerdict
	if job.Mode == sandbox.ModeFunction {
		verdict, err = functionVerdict(outcome.Return, len(ids))
	} else {
		verdict, err = scriptVerdict(outcome, len(ids))
	}
	if err != nil {
		return Result{}, fmt.Errorf("%s %s: %w", b.tag, b.id, err)
	}

	result := Result{Records: make(map[string]correctmap.Record, len(ids)), OverallMessage: verdict.overall}
	for k, id := range ids {
		maxPoints := b.maxPoints[id]
		var npoints float64
		switch {
		case verdict.decimals != nil:
			npoints = maxPoints * verdict.decimals[k]
		case verdict.correct[k] == correctmap.Correct:
			npoints = maxPoints
		case verdict.correct[k] == correctmap.PartiallyCorrect:
			npoints = maxPoints * defaultPartialCredit
		}
		result.Records[id] = correctmap.Record{
			Correctness: verdict.correct[k],
			NPoints:     correctmap.Points(npoints),
			Msg:         verdict.messages[k],
		}
	}
	return result, nil
}

type checkVerdict struct {
	correct  []correctmap.Correctness
	messages []string
	decimals []float64
	overall  string
}

func scriptVerdict(outcome sandbox.Outcome, n int) (checkVerdict, error) {
	if len(outcome.Correct) != n {
		return checkVerdict{}, fmt.Errorf("check code set %d results for %d inputs", len(outcome.Correct), n)
	}
	if outcome.GradeDecimals != nil && len(outcome.GradeDecimals) != n {
		return checkVerdict{}, fmt.Errorf("check code set %d grade decimals for %d inputs", len(outcome.GradeDecimals), n)
	}

	v := checkVerdict{
		messages: make([]string, n),
		decimals: outcome.GradeDecimals,
		overall:  outcome.OverallMessage,
	}
	for i, value := range outcome.Correct {
		v.correct = append(v.correct, normalizeCorrectness(value))
		if i < len(outcome.Messages) {
			v.messages[i] = outcome.Messages[i]
		}
	}
	return v, nil
}

// functionVerdict interprets a check function return value: a truthy or
// falsy scalar, the string "partial", a dict with ok/msg/grade_decimal, or a
// dict with overall_message and one input_list entry per input.
func functionVerdict(raw json.RawMessage, n int) (checkVerdict, error) {
	var ret any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &ret); err != nil {
			return checkVerdict{}, fmt.Errorf("decode check function result: %w", err)
		}
	}

	v := checkVerdict{messages: make([]string, n)}
	dict, isDict := ret.(map[string]any)
	if !isDict {
		v.correct = repeat(okCorrectness(ret), n)
		return v, nil
	}

	if ok, found := dict["ok"]; found {
		mark := okCorrectness(ok)
		v.correct = repeat(mark, n)
		msg, _ := dict["msg"].(string)
		if n > 1 {
			v.overall = msg
		} else {
			v.messages[0] = msg
		}
		decimal := decimalFor(mark)
		if value, found := dict["grade_decimal"]; found {
			parsed, err := toFloat(value)
			if err != nil {
				return checkVerdict{}, err
			}
			decimal = parsed
		}
		v.decimals = make([]float64, n)
		for i := range v.decimals {
			v.decimals[i] = decimal
		}
		return v, nil
	}

	list, found := dict["input_list"].([]any)
	if !found {
		return checkVerdict{}, fmt.Errorf("check function returned an invalid dictionary")
	}
	if len(list) != n {
		return checkVerdict{}, fmt.Errorf("check function returned %d inputs for %d", len(list), n)
	}
	v.overall, _ = dict["overall_message"].(string)
	v.decimals = make([]float64, n)
	for i, entry := range list {
		item, ok := entry.(map[string]any)
		if !ok {
			return checkVerdict{}, fmt.Errorf("input_list entry %d is not a dictionary", i)
		}
		mark := okCorrectness(item["ok"])
		v.correct = append(v.correct, mark)
		v.messages[i], _ = item["msg"].(string)
		v.decimals[i] = decimalFor(mark)
		if value, found := item["grade_decimal"]; found {
			parsed, err := toFloat(value)
			if err != nil {
				return checkVerdict{}, err
			}
			v.decimals[i] = parsed
		}
	}
	return v, nil
}

// okCorrectness applies the truthiness rules of check function results:
// falsy values and "false" are incorrect, strings mentioning "partial" are
// partially correct, anything else is correct.
func okCorrectness(value any) correctmap.Correctness {
	switch v := value.(type) {
	case nil:
		return correctmap.Incorrect
	case bool:
		if v {
			return correctmap.Correct
		}
		return correctmap.Incorrect
	case float64:
		if v == 0 {
			return correctmap.Incorrect
		}
		return correctmap.Correct
	case string:
		text := strings.ToLower(strings.TrimSpace(v))
		switch {
		case text == "" || text == "false":
			return correctmap.Incorrect
		case strings.Contains(text, "partial"):
			return correctmap.PartiallyCorrect
		default:
			return correctmap.Correct
		}
	case []any:
		if len(v) == 0 {
			return correctmap.Incorrect
		}
	case map[string]any:
		if len(v) == 0 {
			return correctmap.Incorrect
		}
	}
	return correctmap.Correct
}

func normalizeCorrectness(value string) correctmap.Correctness {
	switch correctmap.Correctness(strings.TrimSpace(value)) {
	case correctmap.Correct:
		return correctmap.Correct
	case correctmap.PartiallyCorrect:
		return correctmap.PartiallyCorrect
	default:
		return correctmap.Incorrect
	}
}

func decimalFor(mark correctmap.Correctness) float64 {
	switch mark {
	case correctmap.Correct:
		return 1
	case correctmap.PartiallyCorrect:
		return defaultPartialCredit
	default:
		return 0
	}
}

func toFloat(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(v), 64)
	default:
		return 0, fmt.Errorf("grade_decimal %v is not a number", value)
	}
}

func repeat(mark correctmap.Correctness, n int) []correctmap.Correctness {
	out := make([]correctmap.Correctness, n)
	for i := range out {
		out[i] = mark
	}
	return out
}

// dedent strips the common leading whitespace of code embedded in XML.
func dedent(code string) string {
	lines := strings.Split(code, "\n")
	for len(lines) > 0 && strings.TrimSpace(lines[0]) == "" {
		lines = lines[1:]
	}
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	prefix := -1
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		indent := len(line) - len(strings.TrimLeft(line, " \t"))
		if prefix < 0 || indent < prefix {
			prefix = indent
		}
	}
	if prefix <= 0 {
		return strings.Join(lines, "\n")
	}
	for i, line := range lines {
		if len(line) >= prefix {
			lines[i] = line[prefix:]
		} else {
			lines[i] = strings.TrimLeft(line, " \t")
		}
	}
	return strings.Join(lines, "\n")
}
