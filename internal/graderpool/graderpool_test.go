package graderpool

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grader/pkg/ai"
	"github.com/noah-isme/gema-grader/pkg/sandbox"
	"github.com/noah-isme/gema-grader/pkg/xqueue"
)

type recordingPoster struct {
	mu        sync.Mutex
	callbacks []xqueue.Callback
	err       error
}

func (r *recordingPoster) PostCallback(_ context.Context, callback xqueue.Callback) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, callback)
	return r.err
}

func (r *recordingPoster) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.callbacks)
}

func (r *recordingPoster) last() xqueue.Callback {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.callbacks[len(r.callbacks)-1]
}

func submission(key, queue, response, payload string) xqueue.Submission {
	return xqueue.Submission{
		Header: xqueue.Header{LMSCallbackURL: "http://lms.test/xqueue/callback", LMSKey: key, QueueName: queue},
		Body: xqueue.Body{
			StudentInfo:     xqueue.EncodeStudentInfo(xqueue.StudentInfo{AnonymousStudentID: "anon", SubmissionTime: "20261016120000", RandomSeed: 7}),
			StudentResponse: response,
			GraderPayload:   payload,
		},
	}
}

func TestPoolGradesAndPostsVerdict(t *testing.T) {
	poster := &recordingPoster{}
	grader := GraderFunc(func(_ context.Context, job Job) (xqueue.Verdict, error) {
		return Verdict(job.Submission.Body.StudentResponse == "81", 1, "checked"), nil
	})
	pool := New(Config{Workers: 2}, grader, poster, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	require.NoError(t, pool.Enqueue(submission("k1", "python", "81", "")))
	require.Eventually(t, func() bool { return poster.count() == 1 }, time.Second, 5*time.Millisecond)

	callback := poster.last()
	require.Equal(t, "k1", callback.Header.LMSKey)
	require.Equal(t, "http://lms.test/xqueue/callback", callback.Header.LMSCallbackURL)
	require.Equal(t, "correct", callback.Body.Outcome())

	pool.Stop()
	require.ErrorIs(t, pool.Enqueue(submission("k2", "python", "1", "")), ErrStopped)
}

func TestPoolGraderErrorBecomesIncorrect(t *testing.T) {
	poster := &recordingPoster{}
	grader := GraderFunc(func(context.Context, Job) (xqueue.Verdict, error) {
		return xqueue.Verdict{}, errors.New("boom")
	})
	pool := New(Config{Workers: 1}, grader, poster, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	require.NoError(t, pool.Enqueue(submission("k1", "python", "x", "")))
	require.Eventually(t, func() bool { return poster.count() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, "incorrect", poster.last().Body.Outcome())
	require.Equal(t, GraderErrorMsg, poster.last().Body.Msg)
}

func TestPoolHoldDeliverAndDuplicates(t *testing.T) {
	poster := &recordingPoster{}
	pool := New(Config{Hold: true, Duplicates: 1}, StaticGrader(Verdict(true, 1, "")), poster, zerolog.Nop())
	pool.Start(context.Background())
	defer pool.Stop()

	require.NoError(t, pool.Enqueue(submission("k1", "python", "x", "")))
	require.Equal(t, []string{"k1"}, pool.Held())
	require.Zero(t, poster.count())

	require.NoError(t, pool.Deliver(context.Background(), "k1", Verdict(false, 0, "nope")))
	require.Equal(t, 2, poster.count())
	require.NoError(t, pool.Deliver(context.Background(), "k1", Verdict(true, 1, "again")))
	require.Equal(t, 4, poster.count())

	require.ErrorIs(t, pool.Deliver(context.Background(), "missing", Verdict(true, 1, "")), ErrNotHeld)

	pool.Release("k1")
	require.Empty(t, pool.Held())
}

func TestPoolQueueFull(t *testing.T) {
	pool := New(Config{QueueSize: 1}, StaticGrader(Verdict(true, 1, "")), &recordingPoster{}, zerolog.Nop())
	require.NoError(t, pool.Enqueue(submission("k1", "python", "x", "")))
	require.ErrorIs(t, pool.Enqueue(submission("k2", "python", "x", "")), ErrQueueFull)
}

func TestQueueRouter(t *testing.T) {
	router := QueueRouter{
		Queues: map[string]Grader{"ai": StaticGrader(Verdict(true, 1, "ai"))},
	}
	verdict, err := router.Grade(context.Background(), Job{Submission: submission("k", "ai", "", "")})
	require.NoError(t, err)
	require.Equal(t, "ai", verdict.Msg)

	_, err = router.Grade(context.Background(), Job{Submission: submission("k", "python", "", "")})
	require.ErrorIs(t, err, ErrUnknownGrader)
}

type stubExecutor struct {
	job     sandbox.Job
	outcome sandbox.Outcome
	err     error
}

func (s *stubExecutor) Execute(_ context.Context, job sandbox.Job) (sandbox.Outcome, error) {
	s.job = job
	return s.outcome, s.err
}

func TestAnswerKeyGrader(t *testing.T) {
	grader := AnswerKeyGrader{}

	verdict, err := grader.Grade(context.Background(), Job{Submission: submission("k1", "q", "  Paris ", `{"answer":"paris"}`)})
	require.NoError(t, err)
	require.True(t, *verdict.Correct)
	require.Equal(t, 1.0, verdict.Score)

	verdict, err = grader.Grade(context.Background(), Job{Submission: submission("k2", "q", "Lyon", `{"answer":"paris"}`)})
	require.NoError(t, err)
	require.False(t, *verdict.Correct)

	verdict, err = grader.Grade(context.Background(), Job{Submission: submission("k3", "q", "Lyon", "")})
	require.NoError(t, err)
	require.False(t, *verdict.Correct)
	require.Contains(t, verdict.Msg, "no answer key")
}

func TestSandboxGrader(t *testing.T) {
	executor := &stubExecutor{outcome: sandbox.Outcome{Correct: []string{"correct"}, Messages: []string{"Well done"}}}
	grader := NewSandboxGrader(executor, map[string]string{"square.py": "correct = ['correct']"})

	job := Job{Submission: submission("k", "python", "print(81)", `{"grader": "square.py", "expect": "81"}`), Info: xqueue.StudentInfo{RandomSeed: 7}}
	verdict, err := grader.Grade(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, "correct", verdict.Outcome())
	require.Equal(t, 1.0, verdict.Score)
	require.Equal(t, "Well done", verdict.Msg)
	require.Equal(t, sandbox.ModeCheck, executor.job.Mode)
	require.Equal(t, "81", executor.job.Expect)
	require.Equal(t, []any{"print(81)"}, executor.job.Submission)
	require.Equal(t, int64(7), executor.job.Seed)

	executor.outcome = sandbox.Outcome{Correct: []string{"partially-correct"}, GradeDecimals: []float64{0.5}, OverallMessage: "Half"}
	verdict, err = grader.Grade(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, "partially-correct", verdict.Outcome())
	require.Equal(t, 0.5, verdict.Score)
	require.Equal(t, "Half", verdict.Msg)

	executor.err = sandbox.ErrTimeout
	verdict, err = grader.Grade(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, "incorrect", verdict.Outcome())

	_, err = grader.Grade(context.Background(), Job{Submission: submission("k", "python", "", `{"grader": "other.py"}`)})
	require.ErrorIs(t, err, ErrUnknownGrader)
}

type stubModel struct {
	req    ai.GradeRequest
	result ai.GradeResult
}

func (s *stubModel) Grade(_ context.Context, req ai.GradeRequest) (ai.GradeResult, error) {
	s.req = req
	return s.result, nil
}

func TestAIGrader(t *testing.T) {
	model := &stubModel{result: ai.GradeResult{Score: 0.6, Feedback: "Mostly right"}}
	grader := NewAIGrader(model)

	verdict, err := grader.Grade(context.Background(), Job{Submission: submission("k", "essay", "Photosynthesis...", `{"rubric": "Mentions chlorophyll", "language": "en"}`)})
	require.NoError(t, err)
	require.Equal(t, "partially-correct", verdict.Outcome())
	require.Equal(t, 0.6, verdict.Score)
	require.Equal(t, "Mostly right", verdict.Msg)
	require.Equal(t, "Mentions chlorophyll", model.req.Rubric)
	require.Equal(t, "en", model.req.Language)
	require.Equal(t, "essay", model.req.QueueName)
}

func signedRequest(t *testing.T, signer xqueue.Signer, fields map[string]string) *http.Request {
	t.Helper()
	headers := xqueue.SignedHeaders{ContentType: xqueue.ContentType, Date: time.Now().UTC().Format(http.TimeFormat)}
	req := httptest.NewRequest(http.MethodPost, xqueue.SubmitPath, strings.NewReader(xqueue.FormValues(fields).Encode()))
	req.Header.Set("Content-Type", headers.ContentType)
	req.Header.Set("Date", headers.Date)
	req.Header.Set("Authorization", signer.Authorization(http.MethodPost, headers, fields))
	return req
}

func TestServerSubmit(t *testing.T) {
	signer := xqueue.NewSigner("lms", "secret")
	pool := New(Config{Hold: true}, StaticGrader(Verdict(true, 1, "")), &recordingPoster{}, zerolog.Nop())
	app := fiber.New()
	NewServer(pool, signer, zerolog.Nop()).Register(app)

	fields, err := submission("k1", "python", "print(1)", `{"grader": "a.py"}`).Fields()
	require.NoError(t, err)

	resp, err := app.Test(signedRequest(t, signer, fields))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	require.JSONEq(t, `{"return_code":0,"content":""}`, string(body))

	job, ok := pool.HeldJob("k1")
	require.True(t, ok)
	require.Equal(t, "print(1)", job.Submission.Body.StudentResponse)
	require.Equal(t, int64(7), job.Info.RandomSeed)

	resp, err = app.Test(signedRequest(t, xqueue.NewSigner("lms", "wrong"), fields))
	require.NoError(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	broken := map[string]string{xqueue.FieldHeader: `{"lms_key":"k2"}`, xqueue.FieldBody: `{}`}
	resp, err = app.Test(signedRequest(t, signer, broken))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestClientToPoolRoundTrip(t *testing.T) {
	signer := xqueue.NewSigner("lms", "secret")

	received := make(chan map[string]string, 1)
	lms := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		fields := map[string]string{}
		for key := range r.PostForm {
			fields[key] = r.PostForm.Get(key)
		}
		headers := xqueue.RequestHeaders(r.Header.Get)
		if err := signer.Verify(r.Header.Get("Authorization"), r.Method, headers, fields); err != nil {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		received <- fields
		w.WriteHeader(http.StatusOK)
	}))
	defer lms.Close()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	poolURL := "http://" + listener.Addr().String()

	client := xqueue.NewClient(poolURL, signer, 2*time.Second)
	pool := New(Config{Workers: 1}, StaticGrader(Verdict(true, 1, "<p>Good</p>")), client, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	NewServer(pool, signer, zerolog.Nop()).Register(app)
	go func() { _ = app.Listener(listener) }()
	defer func() { _ = app.Shutdown() }()

	sub := submission(xqueue.NewKey(), "python", "print(81)", "")
	sub.Header.LMSCallbackURL = lms.URL + "/xqueue/callback"
	require.NoError(t, client.Submit(context.Background(), sub))

	select {
	case fields := <-received:
		callback, err := xqueue.ParseCallback(fields)
		require.NoError(t, err)
		require.Equal(t, sub.Header.LMSKey, callback.Header.LMSKey)
		require.Equal(t, "correct", callback.Body.Outcome())
		require.Equal(t, "<p>Good</p>", callback.Body.Msg)
	case <-time.After(3 * time.Second):
		t.Fatal("callback never arrived")
	}
}
