package xqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	// SubmitPath is where the grader pool accepts submissions.
	SubmitPath = "/xqueue/submit"
	// ContentType is the encoding of every signed request.
	ContentType = "application/x-www-form-urlencoded"
	// DefaultTimeout bounds one request when none is configured.
	DefaultTimeout = 5 * time.Second
)

// Client posts signed submissions and callbacks.
type Client struct {
	baseURL string
	signer  Signer
	http    *http.Client
	now     func() time.Time
}

// NewClient creates a client for the grader pool at baseURL.
func NewClient(baseURL string, signer Signer, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		signer:  signer,
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		now: time.Now,
	}
}

// Submit delivers a submission. A transport failure or timeout wraps
// ErrUnavailable; a non-2xx status or a non-zero return_code wraps
// ErrRejected. The call is never retried.
func (c *Client) Submit(ctx context.Context, submission Submission) error {
	fields, err := submission.Fields()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	body, err := c.post(ctx, c.baseURL+SubmitPath, fields)
	if err != nil {
		return err
	}

	var reply Reply
	if err := json.Unmarshal(body, &reply); err != nil {
		return fmt.Errorf("%w: unreadable reply: %v", ErrRejected, err)
	}
	if reply.ReturnCode != 0 {
		return fmt.Errorf("%w: %s", ErrRejected, reply.Content)
	}
	return nil
}

// PostCallback delivers a verdict to the callback URL named in its header.
func (c *Client) PostCallback(ctx context.Context, callback Callback) error {
	if callback.Header.LMSCallbackURL == "" {
		return fmt.Errorf("%w: callback has no lms_callback_url", ErrMalformed)
	}
	fields, err := callback.Fields()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	_, err = c.post(ctx, callback.Header.LMSCallbackURL, fields)
	return err
}

func (c *Client) post(ctx context.Context, target string, fields map[string]string) ([]byte, error) {
	headers := SignedHeaders{
		ContentType: ContentType,
		Date:        c.now().UTC().Format(http.TimeFormat),
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(FormValues(fields).Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", headers.ContentType)
	req.Header.Set("Date", headers.Date)
	req.Header.Set("Authorization", c.signer.Authorization(http.MethodPost, headers, fields))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read reply: %v", ErrUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	}
	return body, nil
}

// RequestHeaders collects the signed headers of an incoming request.
func RequestHeaders(get func(string) string) SignedHeaders {
	return SignedHeaders{
		ContentType: get("Content-Type"),
		Date:        get("Date"),
		ContentMD5:  get("Content-MD5"),
	}
}

// IsDeliveryError reports whether err came from the transport or the pool.
func IsDeliveryError(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrRejected)
}
