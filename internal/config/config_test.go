package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/outbox/internal/errors"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, StoreSQLite, cfg.Store.Backend)
	assert.True(t, cfg.Store.MemoryFallback)
	assert.Equal(t, 1000, cfg.Queue.MaxQueueSize)
	assert.Equal(t, []time.Duration{5 * time.Second, 15 * time.Second, time.Minute, 5 * time.Minute, 15 * time.Minute},
		cfg.Queue.RetryDelayDurations())
	require.Len(t, cfg.Profiles, 1)
	assert.Equal(t, PresetGeneric, cfg.Profiles[0].Name)
	assert.Equal(t, PresetGeneric, cfg.Profiles[0].Preset)
}

func TestLoad_ValidConfig(t *testing.T) {
	yamlContent := `
data_dir: "/tmp/outbox"
store:
  backend: redis
redis:
  addr: "redis:6379"
queue:
  max_queue_size: 50
  retry_delays: ["1s", "2s"]
profiles:
  - name: shop
    preset: merchant
    max_retries: 4
    routes:
      refund:
        method: POST
        url: /api/merchant/refund
  - name: producer
`
	cfg, err := Load(strings.NewReader(yamlContent))
	require.NoError(t, err)

	assert.Equal(t, "/tmp/outbox", cfg.DataDir)
	assert.Equal(t, StoreRedis, cfg.Store.Backend)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "outbox", cfg.Redis.Prefix) // default kept
	assert.Equal(t, 50, cfg.Queue.MaxQueueSize)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, cfg.Queue.RetryDelayDurations())

	require.Len(t, cfg.Profiles, 2)
	assert.Equal(t, PresetMerchant, cfg.Profiles[0].Preset)
	assert.Equal(t, 4, cfg.Profiles[0].MaxRetries)
	assert.Equal(t, "/api/merchant/refund", cfg.Profiles[0].Routes["refund"].URL)
	assert.Equal(t, PresetProducer, cfg.Profiles[1].Preset, "preset defaults to the profile name")
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("OUTBOX_STORE", "memory")
	t.Setenv("OUTBOX_REMOTE_BASE_URL", "https://portal.example.com")
	t.Setenv("OUTBOX_MAX_QUEUE_SIZE", "10")
	t.Setenv("OUTBOX_RETRY_DELAYS", "1s, 3s")
	t.Setenv("OUTBOX_PROFILES", "merchant,producer")
	t.Setenv("OUTBOX_MEMORY_FALLBACK", "false")

	cfg, err := Load(strings.NewReader("store:\n  backend: sqlite\n"))
	require.NoError(t, err)

	assert.Equal(t, StoreMemory, cfg.Store.Backend, "env wins over file")
	assert.Equal(t, "https://portal.example.com", cfg.Remote.BaseURL)
	assert.Equal(t, 10, cfg.Queue.MaxQueueSize)
	assert.Equal(t, []string{"1s", "3s"}, cfg.Queue.RetryDelays)
	assert.False(t, cfg.Store.MemoryFallback)
	require.Len(t, cfg.Profiles, 2)
	assert.Equal(t, "merchant", cfg.Profiles[0].Name)
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(strings.NewReader("store: [unclosed"))
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrConfig))
}

func TestValidate_AggregatesErrors(t *testing.T) {
	cfg := Default()
	cfg.Store.Backend = "mongo"
	cfg.Queue.MaxQueueSize = 0
	cfg.Queue.RetryDelays = []string{"soon"}
	cfg.Profiles = []ProfileConfig{
		{Name: "a", Preset: "generic"},
		{Name: "a", Preset: "generic"},
		{Name: "b", Preset: "wholesale"},
	}

	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrConfig))

	msg := err.Error()
	assert.Contains(t, msg, "store.backend")
	assert.Contains(t, msg, "max_queue_size")
	assert.Contains(t, msg, `invalid duration "soon"`)
	assert.Contains(t, msg, `duplicate name "a"`)
	assert.Contains(t, msg, `unknown preset "wholesale"`)
}

func TestValidate_ConflictStrategy(t *testing.T) {
	cfg := Default()
	cfg.Profiles = []ProfileConfig{{Name: "producer", Preset: "producer", ConflictStrategy: "merge"}}
	require.NoError(t, cfg.Validate())

	cfg.Profiles[0].ConflictStrategy = "manual"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown conflict strategy "manual"`)
}

func TestValidate_ProbeNeedsTarget(t *testing.T) {
	cfg := Default()
	cfg.Connectivity.ProbeEnabled = true
	require.Error(t, cfg.Validate())

	cfg.Remote.BaseURL = "https://portal.example.com"
	require.NoError(t, cfg.Validate())
}

func TestLoadFile(t *testing.T) {
	t.Run("missing file yields defaults", func(t *testing.T) {
		cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
		require.NoError(t, err)
		assert.Equal(t, ":8090", cfg.Server.ListenAddress)
	})

	t.Run("reads file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "outbox.yaml")
		require.NoError(t, os.WriteFile(path, []byte("server:\n  listen_address: \":9999\"\n"), 0o644))

		cfg, err := LoadFile(path)
		require.NoError(t, err)
		assert.Equal(t, ":9999", cfg.Server.ListenAddress)
	})
}

func TestParseDuration(t *testing.T) {
	assert.Equal(t, 3*time.Second, ParseDuration("3s", time.Minute))
	assert.Equal(t, time.Minute, ParseDuration("", time.Minute))
	assert.Equal(t, time.Minute, ParseDuration("0", time.Minute))
	assert.Equal(t, time.Minute, ParseDuration("often", time.Minute))
}
