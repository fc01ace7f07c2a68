package xqueue_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grader/pkg/xqueue"
)

var signer = xqueue.NewSigner("access", "s3cret")

var signedHeaders = xqueue.SignedHeaders{
	ContentType: xqueue.ContentType,
	Date:        "Fri, 16 Oct 2026 10:00:00 GMT",
}

func TestCanonicalBodyExpandsNestedJSON(t *testing.T) {
	fields := map[string]string{
		"xqueue_header": `{"queue_name":"q","lms_key":"abc"}`,
		"xqueue_body":   `{"score":1,"list":[1,{"a":"b"}],"n":null}`,
	}

	expected := "xqueue_body:list.0:1\n" +
		"xqueue_body:list.1:a:b\n" +
		"xqueue_body:n:null\n" +
		"xqueue_body:score:1\n" +
		"xqueue_header:lms_key:abc\n" +
		"xqueue_header:queue_name:q\n"
	require.Equal(t, expected, xqueue.CanonicalBody(fields))

	message := xqueue.Message("post", signedHeaders, fields)
	require.Equal(t, "POST\n\n"+xqueue.ContentType+"\n"+signedHeaders.Date+"\n"+expected+"\n", message)
}

func TestCanonicalBodyKeepsPlainStrings(t *testing.T) {
	fields := map[string]string{"b": "{not json", "a": "plain"}
	require.Equal(t, "a:plain\nb:{not json\n", xqueue.CanonicalBody(fields))
}

func TestSignVerifyRoundTrip(t *testing.T) {
	fields := callbackFields(t, "key-1", 1)
	auth := signer.Authorization(http.MethodPost, signedHeaders, fields)
	require.Regexp(t, regexp.MustCompile(`^SSI access:[A-Za-z0-9+/=]+$`), auth)
	require.NoError(t, signer.Verify(auth, http.MethodPost, signedHeaders, fields))
}

func TestVerifyRejectsTampering(t *testing.T) {
	fields := callbackFields(t, "key-1", 1)
	auth := signer.Authorization(http.MethodPost, signedHeaders, fields)

	t.Run("body byte", func(t *testing.T) {
		tampered := callbackFields(t, "key-1", 2)
		err := signer.Verify(auth, http.MethodPost, signedHeaders, tampered)
		require.ErrorIs(t, err, xqueue.ErrSignatureMismatch)
		require.ErrorIs(t, err, xqueue.ErrSignatureInvalid)
	})

	t.Run("lms key", func(t *testing.T) {
		tampered := callbackFields(t, "key-2", 1)
		require.ErrorIs(t, signer.Verify(auth, http.MethodPost, signedHeaders, tampered), xqueue.ErrSignatureInvalid)
	})

	t.Run("date header", func(t *testing.T) {
		headers := signedHeaders
		headers.Date = "Fri, 16 Oct 2026 10:00:01 GMT"
		require.ErrorIs(t, signer.Verify(auth, http.MethodPost, headers, fields), xqueue.ErrSignatureInvalid)
	})

	t.Run("access key", func(t *testing.T) {
		other := xqueue.NewSigner("other", "s3cret")
		err := other.Verify(auth, http.MethodPost, signedHeaders, fields)
		require.ErrorIs(t, err, xqueue.ErrAccessKeyMismatch)
	})

	t.Run("secret", func(t *testing.T) {
		other := xqueue.NewSigner("access", "wrong")
		require.ErrorIs(t, other.Verify(auth, http.MethodPost, signedHeaders, fields), xqueue.ErrSignatureMismatch)
	})

	t.Run("missing header", func(t *testing.T) {
		require.ErrorIs(t, signer.Verify("", http.MethodPost, signedHeaders, fields), xqueue.ErrMissingAuthorization)
		require.ErrorIs(t, signer.Verify("Bearer token", http.MethodPost, signedHeaders, fields), xqueue.ErrMissingAuthorization)
	})
}

func TestNewKeyIs128BitHex(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		key := xqueue.NewKey()
		require.Regexp(t, regexp.MustCompile(`^[0-9a-f]{32}$`), key)
		_, dup := seen[key]
		require.False(t, dup)
		seen[key] = struct{}{}
	}
}

func TestQueueTimeIsUTCSeconds(t *testing.T) {
	local := time.Date(2026, 10, 16, 12, 30, 15, 999, time.FixedZone("WIB", 7*3600))
	require.Equal(t, "2026-10-16T05:30:15Z", xqueue.QueueTime(local))
}

func TestParseCallback(t *testing.T) {
	c, err := xqueue.ParseCallback(map[string]string{
		xqueue.FieldHeader: `{"lms_key":"k","lms_callback_url":"http://lms/cb","queue_name":"q"}`,
		xqueue.FieldBody:   `{"correct":true,"score":1,"msg":"<p>ok</p>"}`,
	})
	require.NoError(t, err)
	require.Equal(t, "k", c.Header.LMSKey)
	require.Equal(t, "correct", c.Body.Outcome())
	require.Equal(t, 1.0, c.Body.Score)

	c, err = xqueue.ParseCallback(map[string]string{
		xqueue.FieldHeader: `{"lms_key":"k"}`,
		xqueue.FieldBody:   `{"correctness":"partially-correct","score":0.5,"msg":""}`,
	})
	require.NoError(t, err)
	require.Equal(t, "partially-correct", c.Body.Outcome())
}

func TestParseCallbackMalformed(t *testing.T) {
	cases := map[string]map[string]string{
		"missing header": {
			xqueue.FieldBody: `{"correct":true,"score":1,"msg":""}`,
		},
		"header not json": {
			xqueue.FieldHeader: `lms_key=k`,
			xqueue.FieldBody:   `{"correct":true,"score":1,"msg":""}`,
		},
		"empty key": {
			xqueue.FieldHeader: `{"lms_key":""}`,
			xqueue.FieldBody:   `{"correct":true,"score":1,"msg":""}`,
		},
		"no verdict": {
			xqueue.FieldHeader: `{"lms_key":"k"}`,
			xqueue.FieldBody:   `{"score":1,"msg":""}`,
		},
		"bad correctness": {
			xqueue.FieldHeader: `{"lms_key":"k"}`,
			xqueue.FieldBody:   `{"correctness":"maybe","score":1,"msg":""}`,
		},
		"score not number": {
			xqueue.FieldHeader: `{"lms_key":"k"}`,
			xqueue.FieldBody:   `{"correct":false,"score":"1","msg":""}`,
		},
	}
	for name, fields := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := xqueue.ParseCallback(fields)
			require.ErrorIs(t, err, xqueue.ErrMalformed)
		})
	}
}

func TestParseSubmissionRequiresRouting(t *testing.T) {
	s := xqueue.Submission{
		Header: xqueue.Header{LMSKey: "k", LMSCallbackURL: "http://lms/cb", QueueName: "q"},
		Body: xqueue.Body{
			StudentInfo:     xqueue.EncodeStudentInfo(xqueue.StudentInfo{AnonymousStudentID: "anon", RandomSeed: 3}),
			StudentResponse: "print(1)",
			GraderPayload:   `{"grader":"py"}`,
		},
		Files: map[string]string{"a.py": "https://files/a.py"},
	}
	fields, err := s.Fields()
	require.NoError(t, err)

	parsed, err := xqueue.ParseSubmission(fields)
	require.NoError(t, err)
	require.Equal(t, s, parsed)
	info, err := parsed.Body.Info()
	require.NoError(t, err)
	require.Equal(t, int64(3), info.RandomSeed)

	delete(fields, xqueue.FieldHeader)
	_, err = xqueue.ParseSubmission(fields)
	require.ErrorIs(t, err, xqueue.ErrMalformed)
}

func TestClientSubmitSignsAndReadsAck(t *testing.T) {
	var received xqueue.Submission
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, xqueue.SubmitPath, r.URL.Path)
		require.NoError(t, r.ParseForm())
		fields := map[string]string{}
		for k := range r.PostForm {
			fields[k] = r.PostForm.Get(k)
		}
		if err := signer.Verify(r.Header.Get("Authorization"), r.Method, xqueue.RequestHeaders(r.Header.Get), fields); err != nil {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		var err error
		received, err = xqueue.ParseSubmission(fields)
		require.NoError(t, err)
		_ = json.NewEncoder(w).Encode(xqueue.Reply{ReturnCode: 0})
	}))
	defer server.Close()

	client := xqueue.NewClient(server.URL, signer, time.Second)
	submission := xqueue.Submission{Header: xqueue.Header{LMSKey: "k1", LMSCallbackURL: "http://lms/cb", QueueName: "q"}}
	require.NoError(t, client.Submit(context.Background(), submission))
	require.Equal(t, "k1", received.Header.LMSKey)

	wrong := xqueue.NewClient(server.URL, xqueue.NewSigner("access", "nope"), time.Second)
	err := wrong.Submit(context.Background(), submission)
	require.ErrorIs(t, err, xqueue.ErrRejected)
}

func TestClientSubmitFailures(t *testing.T) {
	t.Run("non-zero return code", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_ = json.NewEncoder(w).Encode(xqueue.Reply{ReturnCode: 1, Content: "queue not found"})
		}))
		defer server.Close()
		err := xqueue.NewClient(server.URL, signer, time.Second).Submit(context.Background(), xqueue.Submission{})
		require.ErrorIs(t, err, xqueue.ErrRejected)
		require.Contains(t, err.Error(), "queue not found")
	})

	t.Run("timeout", func(t *testing.T) {
		release := make(chan struct{})
		server := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
			<-release
		}))
		defer server.Close()
		defer close(release)
		err := xqueue.NewClient(server.URL, signer, 50*time.Millisecond).Submit(context.Background(), xqueue.Submission{})
		require.ErrorIs(t, err, xqueue.ErrUnavailable)
		require.True(t, xqueue.IsDeliveryError(err))
	})

	t.Run("unreachable", func(t *testing.T) {
		server := httptest.NewServer(http.NotFoundHandler())
		url := server.URL
		server.Close()
		err := xqueue.NewClient(url, signer, time.Second).Submit(context.Background(), xqueue.Submission{})
		require.True(t, errors.Is(err, xqueue.ErrUnavailable))
	})
}

func callbackFields(t *testing.T, key string, score float64) map[string]string {
	t.Helper()
	correct := score > 0
	fields, err := xqueue.Callback{
		Header: xqueue.Header{LMSKey: key, LMSCallbackURL: "http://lms/xqueue/callback"},
		Body:   xqueue.Verdict{Correct: &correct, Score: score, Msg: "done"},
	}.Fields()
	require.NoError(t, err)
	return fields
}
