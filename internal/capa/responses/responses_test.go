package responses_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grader/internal/capa/correctmap"
	"github.com/noah-isme/gema-grader/internal/capa/responses"
	"github.com/noah-isme/gema-grader/internal/capa/xmltree"
	"github.com/noah-isme/gema-grader/pkg/sandbox"
)

type stubSandbox struct {
	outcome sandbox.Outcome
	err     error
	jobs    []sandbox.Job
}

func (s *stubSandbox) Execute(_ context.Context, job sandbox.Job) (sandbox.Outcome, error) {
	s.jobs = append(s.jobs, job)
	return s.outcome, s.err
}

type stubDispatcher struct {
	state    correctmap.QueueState
	err      error
	requests []responses.QueueRequest
}

func (s *stubDispatcher) Dispatch(_ context.Context, req responses.QueueRequest) (correctmap.QueueState, error) {
	s.requests = append(s.requests, req)
	return s.state, s.err
}

func newContext() *responses.EvaluationContext {
	return &responses.EvaluationContext{ProblemID: "p1", Seed: 42, Logger: zerolog.Nop()}
}

func build(t *testing.T, doc string, ec *responses.EvaluationContext) responses.Handler {
	t.Helper()
	el, err := xmltree.Parse([]byte(doc))
	require.NoError(t, err)
	h, err := responses.DefaultRegistry().Build(el, ec)
	require.NoError(t, err)
	return h
}

func grade(t *testing.T, h responses.Handler, answers map[string]string) responses.Result {
	t.Helper()
	result, err := h.Grade(context.Background(), answers)
	require.NoError(t, err)
	return result
}

const numericalDoc = `<numericalresponse id="1_2" answer="2.0">
  <responseparam type="tolerance" default="0.001"/>
  <textline id="1_2_1"/>
</numericalresponse>`

func TestNumericalWithinTolerance(t *testing.T) {
	h := build(t, numericalDoc, newContext())

	result := grade(t, h, map[string]string{"1_2_1": "2.0005"})
	require.Equal(t, correctmap.Correct, result.Records["1_2_1"].Correctness)

	result = grade(t, h, map[string]string{"1_2_1": "2.01"})
	require.Equal(t, correctmap.Incorrect, result.Records["1_2_1"].Correctness)

	require.Equal(t, map[string]string{"1_2_1": "2.0"}, h.Answers())
}

func TestNumericalInvalidInputIsIncorrectWithMessage(t *testing.T) {
	h := build(t, numericalDoc, newContext())

	for _, answer := range []string{"abc", "2+*3", "(-1)!"} {
		result := grade(t, h, map[string]string{"1_2_1": answer})
		record := result.Records["1_2_1"]
		require.Equal(t, correctmap.Incorrect, record.Correctness, answer)
		require.NotEmpty(t, record.Msg, answer)
	}

	result := grade(t, h, map[string]string{"1_2_1": "abc"})
	require.Contains(t, result.Records["1_2_1"].Msg, "number")
}

func TestNumericalRangeAndPartialCredit(t *testing.T) {
	ranged := build(t, `<numericalresponse id="1_2" answer="[5, 7)" partial_credit="close">
  <textline id="1_2_1" points="4"/>
</numericalresponse>`, newContext())

	cases := map[string]correctmap.Correctness{
		"5":   correctmap.Correct,
		"6.5": correctmap.Correct,
		"7":   correctmap.Incorrect,
		"8":   correctmap.PartiallyCorrect,
		"20":  correctmap.Incorrect,
	}
	for answer, want := range cases {
		result := grade(t, ranged, map[string]string{"1_2_1": answer})
		require.Equal(t, want, result.Records["1_2_1"].Correctness, answer)
	}

	result := grade(t, ranged, map[string]string{"1_2_1": "6"})
	require.Equal(t, 4.0, *result.Records["1_2_1"].NPoints)
	result = grade(t, ranged, map[string]string{"1_2_1": "8"})
	require.Equal(t, 2.0, *result.Records["1_2_1"].NPoints)

	result = grade(t, ranged, map[string]string{"1_2_1": "6+2*j"})
	require.Contains(t, result.Records["1_2_1"].Msg, "complex numbers")

	listed := build(t, `<numericalresponse id="1_3" answer="10" partial_credit="list">
  <responseparam partial_answers="5, 20"/>
  <additional_answer answer="100"/>
  <textline id="1_3_1"/>
</numericalresponse>`, newContext())
	result = grade(t, listed, map[string]string{"1_3_1": "20"})
	require.Equal(t, correctmap.PartiallyCorrect, result.Records["1_3_1"].Correctness)
	require.Equal(t, 0.5, *result.Records["1_3_1"].NPoints)
	result = grade(t, listed, map[string]string{"1_3_1": "100"})
	require.Equal(t, correctmap.Correct, result.Records["1_3_1"].Correctness)
	require.Equal(t, "10 or 100", listed.Answers()["1_3_1"])
}

func TestNumericalRejectsMalformedDescriptor(t *testing.T) {
	el, err := xmltree.Parse([]byte(`<numericalresponse id="1_2"><textline id="1_2_1"/></numericalresponse>`))
	require.NoError(t, err)
	_, err = responses.DefaultRegistry().Build(el, newContext())
	require.ErrorIs(t, err, responses.ErrMalformedResponse)

	el, err = xmltree.Parse([]byte(`<stringresponse id="1_2"><textline id="1_2_1"/></stringresponse>`))
	require.NoError(t, err)
	_, err = responses.DefaultRegistry().Build(el, newContext())
	require.ErrorIs(t, err, responses.ErrUnknownResponseType)
}

const formulaDoc = `<formularesponse id="1_2" answer="2*x" samples="x@1:10#20" type="ci">
  <responseparam type="tolerance" default="0.00001"/>
  <formulaequationinput id="1_2_1"/>
  <hintgroup mode="on_request">
    <formulahint samples="x@1:10#20" answer="x/2" name="halved"/>
    <hintpart on="halved"><text>You divided instead of <em>multiplying</em>.</text></hintpart>
  </hintgroup>
</formularesponse>`

func TestFormulaSampling(t *testing.T) {
	h := build(t, formulaDoc, newContext())

	result := grade(t, h, map[string]string{"1_2_1": "x+x"})
	require.Equal(t, correctmap.Correct, result.Records["1_2_1"].Correctness)

	result = grade(t, h, map[string]string{"1_2_1": "x^2"})
	require.Equal(t, correctmap.Incorrect, result.Records["1_2_1"].Correctness)
	require.Empty(t, result.Records["1_2_1"].Msg)
}

func TestFormulaForbiddenVariableNamesIt(t *testing.T) {
	h := build(t, formulaDoc, newContext())

	result := grade(t, h, map[string]string{"1_2_1": "2*y"})
	record := result.Records["1_2_1"]
	require.Equal(t, correctmap.Incorrect, record.Correctness)
	require.Contains(t, record.Msg, "y")
	require.Contains(t, record.Msg, "not permitted")

	result = grade(t, h, map[string]string{"1_2_1": "2*(x"})
	require.Contains(t, result.Records["1_2_1"].Msg, "Error in formula")
}

func TestFormulaImaginaryRootsOfNegativeReals(t *testing.T) {
	doc := `<formularesponse id="1_3" answer="2*i" samples="x@1:2#5" type="ci">
  <responseparam type="tolerance" default="0.00001"/>
  <formulaequationinput id="1_3_1"/>
</formularesponse>`
	h := build(t, doc, newContext())

	result := grade(t, h, map[string]string{"1_3_1": "sqrt(-4)"})
	require.Equal(t, correctmap.Correct, result.Records["1_3_1"].Correctness)

	result = grade(t, h, map[string]string{"1_3_1": "-sqrt(-4)"})
	require.Equal(t, correctmap.Incorrect, result.Records["1_3_1"].Correctness)
}

func TestNumericalImaginaryAnswer(t *testing.T) {
	doc := `<numericalresponse id="1_4" answer="pi*i">
  <responseparam type="tolerance" default="0.001"/>
  <textline id="1_4_1"/>
</numericalresponse>`
	h := build(t, doc, newContext())

	result := grade(t, h, map[string]string{"1_4_1": "ln(-1)"})
	require.Equal(t, correctmap.Correct, result.Records["1_4_1"].Correctness)
}

func TestFormulaSameSeedSameVerdict(t *testing.T) {
	first := grade(t, build(t, formulaDoc, newContext()), map[string]string{"1_2_1": "2*x+0.000001"})
	second := grade(t, build(t, formulaDoc, newContext()), map[string]string{"1_2_1": "2*x+0.000001"})
	require.Equal(t, first.Records["1_2_1"].Correctness, second.Records["1_2_1"].Correctness)
}

func TestFormulaHints(t *testing.T) {
	h := build(t, formulaDoc, newContext())
	checker, ok := h.(responses.HintChecker)
	require.True(t, ok)

	cmap := correctmap.New()
	cmap.Set("1_2_1", correctmap.Record{Correctness: correctmap.Incorrect})
	checker.ApplyHints(map[string]string{"1_2_1": "x/2"}, cmap)
	require.Equal(t, "You divided instead of <em>multiplying</em>.", cmap.GetHint("1_2_1"))
	require.Equal(t, correctmap.HintModeOnRequest, cmap.GetHintMode("1_2_1"))

	cmap = correctmap.New()
	cmap.Set("1_2_1", correctmap.Record{Correctness: correctmap.Correct})
	checker.ApplyHints(map[string]string{"1_2_1": "2*x"}, cmap)
	require.Empty(t, cmap.GetHint("1_2_1"))
}

func TestSamplingSpecValidation(t *testing.T) {
	spec, err := responses.ParseSamplingSpec("x,y@1,2:3,4#5")
	require.NoError(t, err)
	require.Equal(t, []string{"x", "y"}, spec.Names)
	require.Equal(t, 5, spec.Count)

	for _, bad := range []string{"x@1:2", "x@1#3", "x,y@1:2#3", "x@1:2#0", "x@1:2#5000"} {
		_, err := responses.ParseSamplingSpec(bad)
		require.Error(t, err, bad)
	}
}

func TestMultipleChoice(t *testing.T) {
	h := build(t, `<multiplechoiceresponse id="1_4" partial_credit="points">
  <choicegroup id="1_4_1" points="2">
    <choice correct="false">Red</choice>
    <choice correct="true">Blue<choicehint>Right, <strong>blue</strong>.</choicehint></choice>
    <choice correct="partial" point_value="0.25" name="teal">Teal</choice>
  </choicegroup>
</multiplechoiceresponse>`, newContext())

	result := grade(t, h, map[string]string{"1_4_1": "choice_1"})
	record := result.Records["1_4_1"]
	require.Equal(t, correctmap.Correct, record.Correctness)
	require.Equal(t, 2.0, *record.NPoints)
	require.Equal(t, "<div>Right, <strong>blue</strong>.</div>", record.Msg)

	result = grade(t, h, map[string]string{"1_4_1": "choice_teal"})
	require.Equal(t, correctmap.PartiallyCorrect, result.Records["1_4_1"].Correctness)
	require.Equal(t, 0.5, *result.Records["1_4_1"].NPoints)

	result = grade(t, h, map[string]string{"1_4_1": "choice_0"})
	require.Equal(t, correctmap.Incorrect, result.Records["1_4_1"].Correctness)

	require.Equal(t, "choice_1", h.Answers()["1_4_1"])
}

func TestCheckboxExactAndPartialCredit(t *testing.T) {
	const doc = `<choiceresponse id="1_5" partial_credit="%s">
  <checkboxgroup id="1_5_1">
    <choice correct="true">A</choice>
    <choice correct="false">B</choice>
    <choice correct="true">C</choice>
    <choice correct="false">D</choice>
  </checkboxgroup>
</choiceresponse>`

	exact := build(t, `<choiceresponse id="1_5"><checkboxgroup id="1_5_1">
    <choice correct="true">A</choice><choice correct="false">B</choice><choice correct="true">C</choice>
  </checkboxgroup></choiceresponse>`, newContext())
	result := grade(t, exact, map[string]string{"1_5_1": `["choice_2","choice_0"]`})
	require.Equal(t, correctmap.Correct, result.Records["1_5_1"].Correctness)
	result = grade(t, exact, map[string]string{"1_5_1": "choice_0"})
	require.Equal(t, correctmap.Incorrect, result.Records["1_5_1"].Correctness)
	require.Equal(t, "choice_0,choice_2", exact.Answers()["1_5_1"])

	edc := build(t, fmt.Sprintf(doc, "edc"), newContext())
	result = grade(t, edc, map[string]string{"1_5_1": "choice_0"})
	require.Equal(t, correctmap.PartiallyCorrect, result.Records["1_5_1"].Correctness)
	require.Equal(t, 0.75, *result.Records["1_5_1"].NPoints)

	halves := build(t, fmt.Sprintf(doc, "halves"), newContext())
	result = grade(t, halves, map[string]string{"1_5_1": "choice_0"})
	require.Equal(t, correctmap.PartiallyCorrect, result.Records["1_5_1"].Correctness)
	require.Equal(t, 0.5, *result.Records["1_5_1"].NPoints)
	result = grade(t, halves, map[string]string{"1_5_1": "choice_1,choice_3"})
	require.Equal(t, correctmap.Incorrect, result.Records["1_5_1"].Correctness)
}

const customDoc = `<customresponse id="1_6" cfn="check" expect="42">
  <textline id="1_6_1" points="3"/>
</customresponse>`

func TestCustomFunctionReturnConventions(t *testing.T) {
	cases := []struct {
		name    string
		ret     string
		want    correctmap.Correctness
		points  float64
		message string
	}{
		{name: "true", ret: `true`, want: correctmap.Correct, points: 3},
		{name: "false string", ret: `"False"`, want: correctmap.Incorrect, points: 0},
		{name: "partial string", ret: `"Partial"`, want: correctmap.PartiallyCorrect, points: 1.5},
		{name: "ok dict", ret: `{"ok": true, "msg": "nice"}`, want: correctmap.Correct, points: 3, message: "nice"},
		{name: "grade decimal", ret: `{"ok": "partial", "grade_decimal": 0.2}`, want: correctmap.PartiallyCorrect, points: 0.6},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			box := &stubSandbox{outcome: sandbox.Outcome{Return: json.RawMessage(tc.ret)}}
			ec := newContext()
			ec.Sandbox = box
			h := build(t, customDoc, ec)

			result := grade(t, h, map[string]string{"1_6_1": "41"})
			record := result.Records["1_6_1"]
			require.Equal(t, tc.want, record.Correctness)
			require.InDelta(t, tc.points, *record.NPoints, 1e-9)
			require.Equal(t, tc.message, record.Msg)

			require.Len(t, box.jobs, 1)
			require.Equal(t, sandbox.ModeFunction, box.jobs[0].Mode)
			require.Equal(t, "check", box.jobs[0].Function)
			require.Equal(t, "42", box.jobs[0].Expect)
			require.Equal(t, []any{"41"}, box.jobs[0].Submission)
			require.Equal(t, int64(42), box.jobs[0].Seed)
		})
	}
}

func TestCustomInputListAcrossInputs(t *testing.T) {
	box := &stubSandbox{outcome: sandbox.Outcome{Return: json.RawMessage(`{
		"overall_message": "see below",
		"input_list": [{"ok": true, "msg": "first"}, {"ok": "partial", "msg": "second", "grade_decimal": 0.3}]
	}`)}}
	ec := newContext()
	ec.Sandbox = box
	h := build(t, `<customresponse id="1_7" cfn="check">
  <textline id="1_7_10"/>
  <textline id="1_7_2"/>
</customresponse>`, ec)

	result := grade(t, h, map[string]string{"1_7_2": "a", "1_7_10": "b"})
	require.Equal(t, "see below", result.OverallMessage)
	require.Equal(t, correctmap.Correct, result.Records["1_7_2"].Correctness)
	require.Equal(t, "first", result.Records["1_7_2"].Msg)
	require.Equal(t, correctmap.PartiallyCorrect, result.Records["1_7_10"].Correctness)
	require.InDelta(t, 0.3, *result.Records["1_7_10"].NPoints, 1e-9)
	require.Equal(t, []string{"1_7_2", "1_7_10"}, box.jobs[0].AnswerIDs)
	require.Equal(t, []any{"a", "b"}, box.jobs[0].Submission)
}

func TestCustomInvalidDictionaryIsAnError(t *testing.T) {
	ec := newContext()
	ec.Sandbox = &stubSandbox{outcome: sandbox.Outcome{Return: json.RawMessage(`{"verdict": 1}`)}}
	h := build(t, customDoc, ec)

	_, err := h.Grade(context.Background(), map[string]string{"1_6_1": "x"})
	require.ErrorContains(t, err, "invalid dictionary")
}

func TestCustomScriptMode(t *testing.T) {
	box := &stubSandbox{outcome: sandbox.Outcome{
		Correct:  []string{"correct", "unknown"},
		Messages: []string{"", "hmm"},
	}}
	ec := newContext()
	ec.Sandbox = box
	ec.Script = "answer = 42"
	h := build(t, `<customresponse id="1_8">
  <textline id="1_8_1"/>
  <textline id="1_8_2"/>
  <answer type="loncapa/python">
    correct = ['correct', 'unknown']
  </answer>
</customresponse>`, ec)

	result := grade(t, h, map[string]string{"1_8_1": "42", "1_8_2": "?"})
	require.Equal(t, correctmap.Correct, result.Records["1_8_1"].Correctness)
	require.Equal(t, correctmap.Incorrect, result.Records["1_8_2"].Correctness)
	require.Equal(t, "hmm", result.Records["1_8_2"].Msg)
	require.Equal(t, sandbox.ModeCheck, box.jobs[0].Mode)
	require.Equal(t, "correct = ['correct', 'unknown']", box.jobs[0].Code)
	require.Equal(t, "answer = 42", box.jobs[0].Script)
}

func TestCustomEmptyAnswerSkipsSandbox(t *testing.T) {
	box := &stubSandbox{}
	ec := newContext()
	ec.Sandbox = box

	h := build(t, customDoc, ec)
	result := grade(t, h, map[string]string{"1_6_1": "  "})
	require.Equal(t, correctmap.Incorrect, result.Records["1_6_1"].Correctness)
	require.Empty(t, result.Records["1_6_1"].Msg)

	h = build(t, `<customresponse id="1_6" cfn="check" empty_answer_err="True"><textline id="1_6_1"/></customresponse>`, ec)
	result = grade(t, h, map[string]string{"1_6_1": ""})
	require.Contains(t, result.Records["1_6_1"].Msg, "No answer entered!")
	require.Empty(t, box.jobs)
}

func TestCustomWithoutSandbox(t *testing.T) {
	h := build(t, customDoc, newContext())
	_, err := h.Grade(context.Background(), map[string]string{"1_6_1": "1"})
	require.ErrorIs(t, err, responses.ErrSandboxUnavailable)

	ec := newContext()
	ec.Sandbox = &stubSandbox{err: sandbox.ErrTimeout}
	h = build(t, customDoc, ec)
	_, err = h.Grade(context.Background(), map[string]string{"1_6_1": "1"})
	require.ErrorIs(t, err, sandbox.ErrTimeout)
}

func TestSchematicDecodesAnswers(t *testing.T) {
	box := &stubSandbox{outcome: sandbox.Outcome{Correct: []string{"correct"}}}
	ec := newContext()
	ec.Sandbox = box
	h := build(t, `<schematicresponse id="1_9">
  <schematic id="1_9_1" correct_answer="[[&quot;r&quot;,1]]"/>
  <answer type="loncapa/python">correct = ['correct']</answer>
</schematicresponse>`, ec)

	result := grade(t, h, map[string]string{"1_9_1": `[["r", 1]]`})
	require.Equal(t, correctmap.Correct, result.Records["1_9_1"].Correctness)
	require.Equal(t, []any{[]any{[]any{"r", float64(1)}}}, box.jobs[0].Submission)
	require.Equal(t, `[["r",1]]`, h.Answers()["1_9_1"])

	result = grade(t, h, map[string]string{"1_9_1": `not json`})
	require.Equal(t, correctmap.Incorrect, result.Records["1_9_1"].Correctness)
	require.Len(t, box.jobs, 1)
}

const externalDoc = `<coderesponse id="1_3" queuename="python-3">
  <textbox id="1_3_1" points="5"/>
  <codeparam>
    <grader_payload>{"grader": "ps04/grade_square.py"}</grader_payload>
    <answer_display>def square(x): return x * x</answer_display>
  </codeparam>
</coderesponse>`

func TestExternalQueuesOnAcknowledgement(t *testing.T) {
	queue := &stubDispatcher{state: correctmap.QueueState{Key: "k1", Time: "2026-01-02T03:04:05Z"}}
	ec := newContext()
	ec.Queue = queue
	h := build(t, externalDoc, ec)

	result := grade(t, h, map[string]string{"1_3_1": "def square(x): return x**2"})
	record := result.Records["1_3_1"]
	require.Equal(t, correctmap.Queued, record.Correctness)
	require.Equal(t, "k1", record.QueueState.Key)

	require.Len(t, queue.requests, 1)
	req := queue.requests[0]
	require.Equal(t, "python-3", req.QueueName)
	require.Equal(t, "1_3_1", req.InputID)
	require.JSONEq(t, `{"grader": "ps04/grade_square.py"}`, req.GraderPayload)
	require.Equal(t, "def square(x): return x**2", req.StudentResponse)
	require.Equal(t, "def square(x): return x * x", h.Answers()["1_3_1"])
	require.Equal(t, 5.0, h.MaxPoints()["1_3_1"])
}

func TestExternalDeliveryFailureIsIncorrect(t *testing.T) {
	ec := newContext()
	ec.Queue = &stubDispatcher{err: errors.New("post submission: connection refused")}
	h := build(t, externalDoc, ec)

	result := grade(t, h, map[string]string{"1_3_1": "code"})
	record := result.Records["1_3_1"]
	require.Equal(t, correctmap.Incorrect, record.Correctness)
	require.Nil(t, record.QueueState)
	require.Equal(t, "Unable to deliver your submission to grader (Reason: connection refused). Please try again later.", record.Msg)
}

func TestExternalFileSubmission(t *testing.T) {
	queue := &stubDispatcher{state: correctmap.QueueState{Key: "k2"}}
	ec := newContext()
	ec.Queue = queue
	ec.QueueName = "default-queue"
	h := build(t, `<coderesponse id="1_4">
  <filesubmission id="1_4_1" required_files="main.py" allowed_files="README.md"/>
</coderesponse>`, ec)

	result := grade(t, h, map[string]string{"1_4_1": `{"README.md": "https://files/readme"}`})
	require.Equal(t, correctmap.Incorrect, result.Records["1_4_1"].Correctness)
	require.Contains(t, result.Records["1_4_1"].Msg, "main.py")

	result = grade(t, h, map[string]string{"1_4_1": `{"main.py": "https://files/main", "evil.sh": "https://files/evil"}`})
	require.Contains(t, result.Records["1_4_1"].Msg, "evil.sh")
	require.Empty(t, queue.requests)

	result = grade(t, h, map[string]string{"1_4_1": `{"main.py": "https://files/main"}`})
	require.Equal(t, correctmap.Queued, result.Records["1_4_1"].Correctness)
	require.Equal(t, "default-queue", queue.requests[0].QueueName)
	require.Equal(t, map[string]string{"main.py": "https://files/main"}, queue.requests[0].Files)
}

func TestExternalWithoutQueue(t *testing.T) {
	h := build(t, externalDoc, newContext())
	_, err := h.Grade(context.Background(), map[string]string{"1_3_1": "code"})
	require.ErrorIs(t, err, responses.ErrQueueUnavailable)
}

func TestRegistryTags(t *testing.T) {
	require.Equal(t, []string{
		"choiceresponse",
		"coderesponse",
		"customresponse",
		"formularesponse",
		"multiplechoiceresponse",
		"numericalresponse",
		"schematicresponse",
	}, responses.DefaultRegistry().Tags())
}
