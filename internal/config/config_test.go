package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesDocumentedTunables(t *testing.T) {
	cfg := Default(3)
	assert.Equal(t, 3, cfg.NumStages)
	assert.Equal(t, 0.15, cfg.DelayGain)
	assert.Equal(t, 0.30, cfg.DurationGain)
	assert.Equal(t, 2*time.Millisecond, cfg.TargetDelay)
	assert.Equal(t, 50*time.Millisecond, cfg.ClampDelay)
	assert.Equal(t, 50*time.Millisecond, cfg.ClampFrameTime)
	assert.Equal(t, 16, cfg.LeakWarnThreshold)
	assert.Equal(t, 8, cfg.TrackerQueueLimit)
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsZeroStages(t *testing.T) {
	cfg := Default(0)
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "num_stages")
}

func TestValidateRejectsNonPositiveGains(t *testing.T) {
	cfg := Default(1)
	cfg.DelayGain = 0
	require.Error(t, cfg.Validate())

	cfg = Default(1)
	cfg.DurationGain = -0.1
	require.Error(t, cfg.Validate())
}

func TestLoadFilePartialOverrideKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("delay_gain: 0.25\n"), 0o600))

	cfg, err := LoadFile(path, 2)
	require.NoError(t, err)
	assert.Equal(t, 0.25, cfg.DelayGain)
	assert.Equal(t, 0.30, cfg.DurationGain) // untouched default
	assert.Equal(t, 2, cfg.NumStages)       // locked to the constructor arg
}

func TestLoadFileRejectsInvalidTunables(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("delay_gain: -1\n"), 0o600))

	_, err := LoadFile(path, 2)
	require.Error(t, err)
}

func TestFromEnvOverridesDefaults(t *testing.T) {
	t.Setenv("FRAMEPACER_DELAY_GAIN", "0.5")
	t.Setenv("FRAMEPACER_TARGET_DELAY", "5ms")

	cfg := FromEnv(Default(1))
	assert.Equal(t, 0.5, cfg.DelayGain)
	assert.Equal(t, 5*time.Millisecond, cfg.TargetDelay)
}

func TestHolderHotReloadsOnFileChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("delay_gain: 0.10\n"), 0o600))

	h, err := NewHolder(path, 1)
	require.NoError(t, err)
	defer h.Close()

	assert.Equal(t, 0.10, h.Get().DelayGain)

	require.NoError(t, os.WriteFile(path, []byte("delay_gain: 0.20\n"), 0o600))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.Get().DelayGain == 0.20 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, 0.20, h.Get().DelayGain)
}

func TestHolderIgnoresInvalidReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("delay_gain: 0.10\n"), 0o600))

	h, err := NewHolder(path, 1)
	require.NoError(t, err)
	defer h.Close()

	require.NoError(t, os.WriteFile(path, []byte("delay_gain: -1\n"), 0o600))

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 0.10, h.Get().DelayGain, "invalid reload must not replace the last-good snapshot")
}
