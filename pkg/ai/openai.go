package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrEmptyCompletion is returned when the model answered without choices.
var ErrEmptyCompletion = errors.New("no choices returned from openai")

var (
	gradeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gema",
		Subsystem: "ai",
		Name:      "grading_duration_seconds",
		Help:      "Duration of model grading requests",
	}, []string{"model"})

	gradeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gema",
		Subsystem: "ai",
		Name:      "grading_failures_total",
		Help:      "Number of model grading failures",
	}, []string{"model"})
)

// OpenAIConfig defines configuration options for the OpenAI grader.
type OpenAIConfig struct {
	APIKey      string
	Model       string
	BaseURL     string
	MaxTokens   int
	Temperature float32
	Logger      zerolog.Logger
}

// OpenAIGrader implements Grader against the chat completion API.
type OpenAIGrader struct {
	client *openai.Client
	cfg    OpenAIConfig
	tracer trace.Tracer
	logger zerolog.Logger
}

// NewOpenAIGrader builds a grader from cfg.
func NewOpenAIGrader(cfg OpenAIConfig) (*OpenAIGrader, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 512
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	return &OpenAIGrader{
		client: openai.NewClientWithConfig(config),
		cfg:    cfg,
		tracer: otel.Tracer("github.com/noah-isme/gema-grader/pkg/ai/openai"),
		logger: cfg.Logger.With().Str("component", "ai_grader").Logger(),
	}, nil
}

// Grade asks the model for a JSON verdict on the submission.
func (g *OpenAIGrader) Grade(parent context.Context, req GradeRequest) (GradeResult, error) {
	ctx, span := g.tracer.Start(parent, "openai.grade", trace.WithAttributes(
		attribute.String("model", g.cfg.Model),
		attribute.String("xqueue.queue", req.QueueName),
	))
	defer span.End()

	start := time.Now()
	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       g.cfg.Model,
		MaxTokens:   g.cfg.MaxTokens,
		Temperature: g.cfg.Temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: buildUserPrompt(req)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	})
	gradeDuration.WithLabelValues(g.cfg.Model).Observe(time.Since(start).Seconds())
	if err != nil {
		return GradeResult{}, g.fail(span, fmt.Errorf("openai grade: %w", err))
	}
	if len(resp.Choices) == 0 {
		return GradeResult{}, g.fail(span, ErrEmptyCompletion)
	}

	result, err := parseGradeResponse(strings.TrimSpace(resp.Choices[0].Message.Content))
	if err != nil {
		return GradeResult{}, g.fail(span, err)
	}
	g.logger.Debug().
		Str("queue", req.QueueName).
		Float64("score", result.Score).
		Int("total_tokens", resp.Usage.TotalTokens).
		Msg("model graded submission")
	return result, nil
}

func (g *OpenAIGrader) fail(span trace.Span, err error) error {
	gradeFailures.WithLabelValues(g.cfg.Model).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

const systemPrompt = "You grade student answers to course problems. Respond with a JSON object " +
	"containing score (0-1), verdict (correct, partially-correct or incorrect), feedback " +
	"addressed to the student, and an optional details object. Judge only against the rubric."

func buildUserPrompt(req GradeRequest) string {
	var b strings.Builder
	b.WriteString("## Rubric\n")
	b.WriteString(req.Rubric)
	if req.Language != "" {
		b.WriteString("\n\n## Language\n")
		b.WriteString(req.Language)
	}
	b.WriteString("\n\n## Student response\n")
	b.WriteString(req.StudentResponse)
	if len(req.Files) > 0 {
		names := make([]string, 0, len(req.Files))
		for name := range req.Files {
			names = append(names, name)
		}
		sort.Strings(names)
		b.WriteString("\n\n## Attached files\n")
		for _, name := range names {
			b.WriteString("- ")
			b.WriteString(name)
			b.WriteString(": ")
			b.WriteString(req.Files[name])
			b.WriteByte('\n')
		}
	}
	b.WriteString("\nReturn JSON.")
	return b.String()
}

func parseGradeResponse(content string) (GradeResult, error) {
	var result GradeResult
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		return GradeResult{}, fmt.Errorf("parse grading json: %w", err)
	}
	if result.Score < 0 {
		result.Score = 0
	}
	if result.Score > 1 {
		result.Score = 1
	}
	result.Verdict = strings.ToLower(strings.TrimSpace(result.Verdict))
	return result, nil
}
