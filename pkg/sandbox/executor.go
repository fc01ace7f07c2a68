package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	containerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gema",
		Subsystem: "sandbox",
		Name:      "container_duration_seconds",
		Help:      "Duration of sandbox container runs",
		Buckets:   prometheus.DefBuckets,
	}, []string{"image"})

	containerOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gema",
		Subsystem: "sandbox",
		Name:      "container_runs_total",
		Help:      "Sandbox container runs by outcome",
	}, []string{"image", "outcome"})
)

// Executor runs a command inside an isolated container.
type Executor interface {
	Run(ctx context.Context, req ExecutionRequest) (ExecutionResult, error)
}

// ExecutionRequest describes one container run. Workspace is bind-mounted
// at WorkingDir.
type ExecutionRequest struct {
	Image         string
	Cmd           []string
	Timeout       time.Duration
	Workspace     string
	WorkingDir    string
	MemoryLimitMB int64
	CPUShares     int64
}

// ExecutionResult is what the container left behind.
type ExecutionResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	TimedOut bool
}

// DockerConfig configures the docker backed executor.
type DockerConfig struct {
	Host          string
	Timeout       time.Duration
	MemoryLimitMB int64
	CPUShares     int64
	Logger        zerolog.Logger
}

// DockerExecutor runs sandbox containers with networking disabled and a
// read-only root filesystem.
type DockerExecutor struct {
	client *client.Client
	cfg    DockerConfig
	tracer trace.Tracer
	logger zerolog.Logger
}

// NewDockerExecutor connects to the docker daemon.
func NewDockerExecutor(cfg DockerConfig) (*DockerExecutor, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	return &DockerExecutor{
		client: cli,
		cfg:    cfg,
		tracer: otel.Tracer("github.com/noah-isme/gema-grader/pkg/sandbox"),
		logger: cfg.Logger.With().Str("component", "sandbox_executor").Logger(),
	}, nil
}

// Run creates, starts and waits for a container, then collects its output.
// The container is always removed.
func (e *DockerExecutor) Run(parent context.Context, req ExecutionRequest) (ExecutionResult, error) {
	if req.Image == "" {
		return ExecutionResult{}, errors.New("image is required")
	}

	ctx, span := e.tracer.Start(parent, "sandbox.container.run", trace.WithAttributes(
		attribute.String("docker.image", req.Image),
	))
	defer span.End()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.cfg.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	memory := req.MemoryLimitMB
	if memory == 0 {
		memory = e.cfg.MemoryLimitMB
	}
	shares := req.CPUShares
	if shares == 0 {
		shares = e.cfg.CPUShares
	}

	hostCfg := &container.HostConfig{
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		Resources: container.Resources{
			Memory:    memory * 1024 * 1024,
			CPUShares: shares,
		},
	}
	if req.Workspace != "" {
		hostCfg.Mounts = append(hostCfg.Mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   req.Workspace,
			Target:   req.WorkingDir,
			ReadOnly: true,
		})
	}

	created, err := e.client.ContainerCreate(ctx, &container.Config{
		Image:           req.Image,
		Cmd:             req.Cmd,
		WorkingDir:      req.WorkingDir,
		NetworkDisabled: true,
		AttachStdout:    true,
		AttachStderr:    true,
	}, hostCfg, nil, nil, "")
	if err != nil {
		return ExecutionResult{}, e.fail(span, req.Image, fmt.Errorf("container create: %w", err))
	}

	containerID := created.ID
	defer func() {
		removeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.client.ContainerRemove(removeCtx, containerID, container.RemoveOptions{Force: true}); err != nil {
			e.logger.Error().Err(err).Str("container_id", containerID).Msg("failed to remove container")
		}
	}()

	start := time.Now()
	if err := e.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return ExecutionResult{}, e.fail(span, req.Image, fmt.Errorf("container start: %w", err))
	}

	result := ExecutionResult{}
	statusCh, errCh := e.client.ContainerWait(ctx, containerID, container.WaitConditionNextExit)
	select {
	case status := <-statusCh:
		result.ExitCode = int(status.StatusCode)
	case err = <-errCh:
	case <-ctx.Done():
		err = ctx.Err()
	}
	result.Duration = time.Since(start)
	containerDuration.WithLabelValues(req.Image).Observe(result.Duration.Seconds())

	if err != nil {
		if !errors.Is(err, context.DeadlineExceeded) {
			return result, e.fail(span, req.Image, fmt.Errorf("container wait: %w", err))
		}
		result.TimedOut = true
		killCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if killErr := e.client.ContainerKill(killCtx, containerID, "KILL"); killErr != nil {
			e.logger.Error().Err(killErr).Str("container_id", containerID).Msg("failed to kill timed out container")
		}
		containerOutcomes.WithLabelValues(req.Image, "timeout").Inc()
		span.SetStatus(codes.Error, "execution timed out")
		return result, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}

	result.Stdout, result.Stderr = e.logs(parent, containerID)
	e.recordStats(parent, containerID, span)

	containerOutcomes.WithLabelValues(req.Image, "completed").Inc()
	return result, nil
}

func (e *DockerExecutor) fail(span trace.Span, image string, err error) error {
	containerOutcomes.WithLabelValues(image, "error").Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func (e *DockerExecutor) logs(ctx context.Context, containerID string) (string, string) {
	reader, err := e.client.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		e.logger.Error().Err(err).Str("container_id", containerID).Msg("failed to fetch container logs")
		return "", ""
	}
	defer reader.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil {
		e.logger.Error().Err(err).Str("container_id", containerID).Msg("failed to read container logs")
	}
	return stdout.String(), stderr.String()
}

func (e *DockerExecutor) recordStats(parent context.Context, containerID string, span trace.Span) {
	ctx, cancel := context.WithTimeout(parent, 2*time.Second)
	defer cancel()

	stats, err := e.client.ContainerStatsOneShot(ctx, containerID)
	if err != nil {
		return
	}
	defer stats.Body.Close()

	var data types.StatsJSON
	if err := json.NewDecoder(stats.Body).Decode(&data); err == nil {
		span.SetAttributes(
			attribute.Int64("sandbox.memory_bytes", int64(data.MemoryStats.Usage)),
			attribute.Int64("sandbox.cpu_ns", int64(data.CPUStats.CPUUsage.TotalUsage)),
		)
	}
}

// Close releases the docker client.
func (e *DockerExecutor) Close() error {
	if e.client == nil {
		return nil
	}
	return e.client.Close()
}
