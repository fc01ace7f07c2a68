// Package xqueue implements the wire protocol spoken with the external
// grader pool: form-encoded submissions and callbacks carrying a JSON
// header and body, signed with the SSI HMAC scheme.
package xqueue

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// Form field names.
const (
	FieldHeader = "xqueue_header"
	FieldBody   = "xqueue_body"
	FieldFiles  = "xqueue_files"
)

// DateFormat renders queue times in UTC with second precision.
const DateFormat = time.RFC3339

var (
	// ErrMalformed is returned for submissions and callbacks missing required fields.
	ErrMalformed = errors.New("xqueue: malformed message")
	// ErrUnavailable is returned when the grader pool could not be reached.
	ErrUnavailable = errors.New("xqueue: grader pool unavailable")
	// ErrRejected is returned when the grader pool refused the submission.
	ErrRejected = errors.New("xqueue: submission rejected")
)

// Header routes a submission and its verdict.
type Header struct {
	LMSCallbackURL string `json:"lms_callback_url"`
	LMSKey         string `json:"lms_key"`
	QueueName      string `json:"queue_name"`
}

// StudentInfo describes who submitted and when.
type StudentInfo struct {
	AnonymousStudentID string `json:"anonymous_student_id"`
	SubmissionTime     string `json:"submission_time"`
	RandomSeed         int64  `json:"random_seed"`
}

// Body is the gradable content of a submission. StudentInfo and
// GraderPayload travel as JSON strings inside the body.
type Body struct {
	StudentInfo     string `json:"student_info"`
	StudentResponse string `json:"student_response"`
	GraderPayload   string `json:"grader_payload"`
}

// Submission is one request to the grader pool.
type Submission struct {
	Header Header
	Body   Body
	Files  map[string]string
}

// Reply acknowledges a submission.
type Reply struct {
	ReturnCode int    `json:"return_code"`
	Content    string `json:"content"`
}

// Verdict is the body of a callback. Graders send either the boolean
// correct or a correctness string.
type Verdict struct {
	Correct     *bool   `json:"correct,omitempty"`
	Correctness string  `json:"correctness,omitempty"`
	Score       float64 `json:"score"`
	Msg         string  `json:"msg"`
}

// Callback is a grader verdict addressed to one submission.
type Callback struct {
	Header Header
	Body   Verdict
}

// NewKey returns a fresh idempotency key: 128 random bits as lowercase hex.
func NewKey() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// QueueTime formats t the way queue states store it.
func QueueTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(DateFormat)
}

// EncodeStudentInfo renders the student_info JSON string.
func EncodeStudentInfo(info StudentInfo) string {
	data, _ := json.Marshal(info)
	return string(data)
}

// Fields renders the submission as form fields.
func (s Submission) Fields() (map[string]string, error) {
	header, err := json.Marshal(s.Header)
	if err != nil {
		return nil, fmt.Errorf("encode header: %w", err)
	}
	body, err := json.Marshal(s.Body)
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}
	fields := map[string]string{FieldHeader: string(header), FieldBody: string(body)}
	if len(s.Files) > 0 {
		files, err := json.Marshal(s.Files)
		if err != nil {
			return nil, fmt.Errorf("encode files: %w", err)
		}
		fields[FieldFiles] = string(files)
	}
	return fields, nil
}

// Fields renders the callback as form fields.
func (c Callback) Fields() (map[string]string, error) {
	header, err := json.Marshal(c.Header)
	if err != nil {
		return nil, fmt.Errorf("encode header: %w", err)
	}
	body, err := json.Marshal(c.Body)
	if err != nil {
		return nil, fmt.Errorf("encode verdict: %w", err)
	}
	return map[string]string{FieldHeader: string(header), FieldBody: string(body)}, nil
}

// ParseSubmission reads a submission from form fields.
func ParseSubmission(fields map[string]string) (Submission, error) {
	var s Submission
	if err := decodeField(fields, FieldHeader, &s.Header); err != nil {
		return Submission{}, err
	}
	if err := decodeField(fields, FieldBody, &s.Body); err != nil {
		return Submission{}, err
	}
	if raw, ok := fields[FieldFiles]; ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &s.Files); err != nil {
			return Submission{}, fmt.Errorf("%w: %s: %v", ErrMalformed, FieldFiles, err)
		}
	}
	if s.Header.LMSKey == "" || s.Header.LMSCallbackURL == "" {
		return Submission{}, fmt.Errorf("%w: header needs lms_key and lms_callback_url", ErrMalformed)
	}
	return s, nil
}

// Info decodes the student_info string of the body.
func (b Body) Info() (StudentInfo, error) {
	var info StudentInfo
	if b.StudentInfo == "" {
		return info, nil
	}
	if err := json.Unmarshal([]byte(b.StudentInfo), &info); err != nil {
		return StudentInfo{}, fmt.Errorf("%w: student_info: %v", ErrMalformed, err)
	}
	return info, nil
}

func decodeField(fields map[string]string, name string, target any) error {
	raw, ok := fields[name]
	if !ok || raw == "" {
		return fmt.Errorf("%w: missing %s", ErrMalformed, name)
	}
	if err := json.Unmarshal([]byte(raw), target); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, name, err)
	}
	return nil
}

// FormValues converts fields into url.Values.
func FormValues(fields map[string]string) url.Values {
	values := make(url.Values, len(fields))
	for k, v := range fields {
		values.Set(k, v)
	}
	return values
}
