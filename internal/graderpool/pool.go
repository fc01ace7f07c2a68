package graderpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-grader/internal/observability"
	"github.com/noah-isme/gema-grader/pkg/xqueue"
)

// GraderErrorMsg is sent when a grader fails instead of deciding.
const GraderErrorMsg = "The grader could not process your submission. Please contact the course staff."

var (
	// ErrQueueFull is returned when no worker slot is free.
	ErrQueueFull = errors.New("grader pool queue is full")
	// ErrNotHeld is returned by Deliver for keys the pool is not holding.
	ErrNotHeld = errors.New("submission not held")
	// ErrStopped is returned after Stop.
	ErrStopped = errors.New("grader pool stopped")
)

// CallbackPoster sends a verdict to the callback URL of its submission.
type CallbackPoster interface {
	PostCallback(ctx context.Context, callback xqueue.Callback) error
}

// Config tunes a pool.
type Config struct {
	Workers      int
	QueueSize    int
	GradeTimeout time.Duration
	// Hold keeps accepted jobs instead of grading them; Deliver answers
	// them by hand.
	Hold bool
	// Duplicates posts every verdict this many extra times.
	Duplicates int
}

// Pool grades queued submissions on a fixed set of workers.
type Pool struct {
	cfg    Config
	grader Grader
	poster CallbackPoster
	jobs   chan Job
	logger zerolog.Logger
	tracer trace.Tracer

	mu      sync.Mutex
	held    map[string]Job
	stopped bool
	wg      sync.WaitGroup
}

// New creates a pool. Call Start before submitting.
func New(cfg Config, grader Grader, poster CallbackPoster, logger zerolog.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.GradeTimeout <= 0 {
		cfg.GradeTimeout = 30 * time.Second
	}
	return &Pool{
		cfg:    cfg,
		grader: grader,
		poster: poster,
		jobs:   make(chan Job, cfg.QueueSize),
		held:   make(map[string]Job),
		logger: logger.With().Str("component", "grader_pool").Logger(),
		tracer: otel.Tracer("github.com/noah-isme/gema-grader/internal/graderpool"),
	}
}

// Start launches the workers. They exit when ctx ends or Stop is called.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.work(ctx, i)
	}
	p.logger.Info().Int("workers", p.cfg.Workers).Bool("hold", p.cfg.Hold).Msg("grader pool started")
}

// Stop closes the queue and waits for running jobs.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.jobs)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// Enqueue accepts a submission without blocking.
func (p *Pool) Enqueue(submission xqueue.Submission) error {
	info, err := submission.Body.Info()
	if err != nil {
		return err
	}
	job := Job{Submission: submission, Info: info, ReceivedAt: time.Now().UTC()}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}
	if p.cfg.Hold {
		p.held[submission.Header.LMSKey] = job
		observability.PoolJobs().WithLabelValues(submission.Header.QueueName, "held").Inc()
		return nil
	}

	select {
	case p.jobs <- job:
		observability.PoolQueueDepth().Inc()
		return nil
	default:
		observability.PoolJobs().WithLabelValues(submission.Header.QueueName, "rejected").Inc()
		return ErrQueueFull
	}
}

// Held lists the keys of held submissions.
func (p *Pool) Held() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, 0, len(p.held))
	for key := range p.held {
		keys = append(keys, key)
	}
	return keys
}

// HeldJob returns a held submission.
func (p *Pool) HeldJob(key string) (Job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	job, ok := p.held[key]
	return job, ok
}

// Deliver posts verdict for a held submission. The job stays held, so
// delivering again sends a duplicate.
func (p *Pool) Deliver(ctx context.Context, key string, verdict xqueue.Verdict) error {
	job, ok := p.HeldJob(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotHeld, key)
	}
	return p.post(ctx, job, verdict)
}

// Release forgets a held submission without answering it.
func (p *Pool) Release(key string) {
	p.mu.Lock()
	delete(p.held, key)
	p.mu.Unlock()
}

func (p *Pool) work(ctx context.Context, id int) {
	defer p.wg.Done()
	logger := p.logger.With().Int("worker", id).Logger()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			observability.PoolQueueDepth().Dec()
			p.process(ctx, logger, job)
		}
	}
}

func (p *Pool) process(ctx context.Context, logger zerolog.Logger, job Job) {
	header := job.Submission.Header
	ctx, span := p.tracer.Start(ctx, "graderpool.grade", trace.WithAttributes(
		attribute.String("xqueue.queue", header.QueueName),
		attribute.String("xqueue.lms_key", header.LMSKey),
	))
	defer span.End()

	gradeCtx, cancel := context.WithTimeout(ctx, p.cfg.GradeTimeout)
	verdict, err := p.grader.Grade(gradeCtx, job)
	cancel()

	outcome := "graded"
	if err != nil {
		span.RecordError(err)
		logger.Error().Err(err).Str("lms_key", header.LMSKey).Str("queue", header.QueueName).Msg("grader failed")
		verdict = Verdict(false, 0, GraderErrorMsg)
		outcome = "grader_error"
	}

	if err := p.post(ctx, job, verdict); err != nil {
		span.RecordError(err)
		outcome = "callback_failed"
	}
	observability.PoolJobs().WithLabelValues(header.QueueName, outcome).Inc()
}

func (p *Pool) post(ctx context.Context, job Job, verdict xqueue.Verdict) error {
	header := job.Submission.Header
	callback := xqueue.Callback{Header: header, Body: verdict}

	var last error
	for i := 0; i <= p.cfg.Duplicates; i++ {
		if err := p.poster.PostCallback(ctx, callback); err != nil {
			p.logger.Warn().Err(err).
				Str("lms_key", header.LMSKey).
				Str("callback_url", header.LMSCallbackURL).
				Msg("callback not accepted")
			last = err
			continue
		}
		p.logger.Info().Str("lms_key", header.LMSKey).Str("correctness", verdict.Outcome()).Msg("verdict posted")
	}
	return last
}
