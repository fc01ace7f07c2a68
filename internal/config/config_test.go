package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("GEMA_JWT_SECRET", "secret")
	t.Setenv("GEMA_XQUEUE_URL", "http://localhost:8081")
	t.Setenv("GEMA_XQUEUE_CALLBACK_URL", "http://localhost:8080/xqueue/callback")
	t.Setenv("GEMA_XQUEUE_ACCESS_KEY", "access")
	t.Setenv("GEMA_XQUEUE_SECRET_KEY", "shh")
}

func TestLoadDefaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.HTTPAddress())
	require.Equal(t, ":8081", cfg.GraderAddress())
	require.Equal(t, 5*time.Second, cfg.XQueueTimeout)
	require.Zero(t, cfg.XQueueWaitTime)
	require.Zero(t, cfg.XQueuePendingTTL)
	require.Equal(t, LockBackendMemory, cfg.LockBackend)
	require.Equal(t, 5, cfg.MaxFileMB)
	require.Equal(t, 5*time.Second, cfg.ExecutionTimeout)
	require.False(t, cfg.SandboxEnabled())
	require.False(t, cfg.CloudinaryEnabled())
}

func TestLoadParsesDurations(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("GEMA_XQUEUE_WAITTIME", "10s")
	t.Setenv("GEMA_XQUEUE_PENDING_TTL", "15m")
	t.Setenv("GEMA_APP_PORT", ":9000")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 10*time.Second, cfg.XQueueWaitTime)
	require.Equal(t, 15*time.Minute, cfg.XQueuePendingTTL)
	require.Equal(t, ":9000", cfg.HTTPAddress())

	t.Setenv("GEMA_XQUEUE_TIMEOUT", "soon")
	_, err = Load()
	require.ErrorContains(t, err, "invalid xqueue timeout")
}

func TestLoadRequiresSecrets(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("GEMA_XQUEUE_SECRET_KEY", "")
	_, err := Load()
	require.Error(t, err)

	setBaseEnv(t)
	t.Setenv("GEMA_JWT_SECRET", "")
	_, err = Load()
	require.Error(t, err)

	// The grader pool does not authenticate learners.
	_, err = LoadGrader()
	require.NoError(t, err)
}

func TestLoadRejectsRedisLockWithoutRedis(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("GEMA_LOCK_BACKEND", "redis")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("GEMA_REDIS_URL", "redis://localhost:6379/0")
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, LockBackendRedis, cfg.LockBackend)
}

func TestLoadGraderModes(t *testing.T) {
	setBaseEnv(t)

	t.Setenv("GEMA_GRADER_MODE", "sandbox")
	_, err := LoadGrader()
	require.Error(t, err)

	t.Setenv("GEMA_GRADER_SCRIPTS_DIR", "/srv/graders")
	cfg, err := LoadGrader()
	require.NoError(t, err)
	require.Equal(t, GraderModeSandbox, cfg.GraderMode)

	t.Setenv("GEMA_GRADER_MODE", "ai")
	_, err = LoadGrader()
	require.Error(t, err)

	t.Setenv("GEMA_GRADER_MODE", "oracle")
	_, err = LoadGrader()
	require.Error(t, err)
}
