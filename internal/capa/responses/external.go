package responses

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/noah-isme/gema-grader/internal/capa/correctmap"
	"github.com/noah-isme/gema-grader/internal/capa/xmltree"
)

const deliveryFailureMsg = "Unable to deliver your submission to grader (Reason: %s). Please try again later."

// External hands the submission to the grader pool and records the input
// as queued until the verdict arrives through the callback.
type External struct {
	base
	queueName     string
	graderPayload string
	answerDisplay string
	requiredFiles []string
	allowedFiles  []string
	fileInput     bool
}

// NewExternal builds a coderesponse handler.
func NewExternal(el *xmltree.Element, ec *EvaluationContext) (Handler, error) {
	b, err := newBase(el, ec)
	if err != nil {
		return nil, err
	}
	if len(b.inputIDs) != 1 {
		return nil, malformed(el, "expects exactly one input, got %d", len(b.inputIDs))
	}

	h := &External{
		base:      b,
		queueName: strings.TrimSpace(el.Attr("queuename")),
		fileInput: b.inputs[0].Tag == "filesubmission",
	}
	if h.queueName == "" {
		h.queueName = b.ec.QueueName
	}
	if h.queueName == "" {
		return nil, malformed(el, "no queue name configured")
	}

	if param := el.First("codeparam"); param != nil {
		if payload := param.First("grader_payload"); payload != nil {
			h.graderPayload = strings.TrimSpace(b.ec.Contextualize(payload.Text()))
		}
		if display := param.First("answer_display"); display != nil {
			h.answerDisplay = strings.TrimSpace(display.Text())
		}
	} else {
		h.graderPayload = strings.TrimSpace(el.Attr("payload"))
		h.answerDisplay = el.Attr("answer")
	}

	if h.fileInput {
		h.requiredFiles = strings.Fields(b.inputs[0].Attr("required_files"))
		h.allowedFiles = strings.Fields(b.inputs[0].Attr("allowed_files"))
	}
	return h, nil
}

// Grade dispatches the submission. Only a missing dispatcher is an error;
// delivery failures become an incorrect record the learner may retry.
func (h *External) Grade(ctx context.Context, answers map[string]string) (Result, error) {
	if h.ec.Queue == nil {
		return Result{}, ErrQueueUnavailable
	}

	id := h.firstInput()
	req := QueueRequest{
		InputID:       id,
		QueueName:     h.queueName,
		GraderPayload: h.graderPayload,
	}

	if h.fileInput {
		files, msg := h.files(answers[id])
		if msg != "" {
			return single(id, incorrect(msg)), nil
		}
		req.Files = files
	} else {
		req.StudentResponse = answers[id]
	}

	state, err := h.ec.Queue.Dispatch(ctx, req)
	if err != nil {
		h.ec.Logger.Warn().Err(err).
			Str("problem_id", h.ec.ProblemID).
			Str("input_id", id).
			Str("queue", h.queueName).
			Msg("submission not queued")
		return single(id, incorrect(fmt.Sprintf(deliveryFailureMsg, reason(err)))), nil
	}

	return single(id, correctmap.Record{
		Correctness: correctmap.Queued,
		QueueState:  &state,
	}), nil
}

// files decodes a name to URL map and checks it against the allowed and
// required file lists.
func (h *External) files(raw string) (map[string]string, string) {
	files := map[string]string{}
	if strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &files); err != nil {
			return nil, "Could not read the submitted files."
		}
	}

	var missing []string
	for _, name := range h.requiredFiles {
		if _, ok := files[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Sprintf("You must submit the following files: %s", strings.Join(missing, ", "))
	}

	if len(h.allowedFiles) > 0 {
		allowed := append(append([]string(nil), h.allowedFiles...), h.requiredFiles...)
		var extra []string
		for name := range files {
			if !containsString(allowed, name) {
				extra = append(extra, name)
			}
		}
		if len(extra) > 0 {
			sort.Strings(extra)
			return nil, fmt.Sprintf("Files not allowed for this problem: %s", strings.Join(extra, ", "))
		}
	}
	return files, ""
}

func (h *External) Asynchronous() {}

func (h *External) Answers() map[string]string {
	return map[string]string{h.firstInput(): h.answerDisplay}
}

// reason keeps the learner message short; the wrapped chain is logged.
func reason(err error) string {
	msg := err.Error()
	if idx := strings.LastIndex(msg, ": "); idx >= 0 {
		msg = msg[idx+2:]
	}
	return msg
}
