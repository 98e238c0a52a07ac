package am

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/testpulse/errors"
)

func TestLoad_Defaults(t *testing.T) {
	// Isolated viper instance: no user/system config
	v := viper.New()
	SetDefaults(v)

	cfg, err := LoadWithViper(v)
	if err != nil {
		t.Fatalf("LoadWithViper() failed: %v", err)
	}

	if cfg.Database.Path != "testpulse.db" {
		t.Errorf("expected default database path 'testpulse.db', got %q", cfg.Database.Path)
	}
	if cfg.Pulse.Workers != 5 {
		t.Errorf("expected default workers 5, got %d", cfg.Pulse.Workers)
	}
	if cfg.Pulse.DefaultTimeoutSeconds != 300 {
		t.Errorf("expected default timeout 300, got %d", cfg.Pulse.DefaultTimeoutSeconds)
	}
	if cfg.Gate.DefaultRecentCount != 10 {
		t.Errorf("expected default recent count 10, got %d", cfg.Gate.DefaultRecentCount)
	}
	assert.Equal(t, Default(), cfg, "Default() must agree with SetDefaults")
}

func TestValidate_ZeroValues(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{name: "zero workers is valid (disabled)", config: Config{Pulse: PulseConfig{Workers: 0}}},
		{name: "negative workers is invalid", config: Config{Pulse: PulseConfig{Workers: -1}}, wantErr: true},
		{name: "zero ticker interval is valid (disabled)", config: Config{Pulse: PulseConfig{TickerIntervalSeconds: 0}}},
		{name: "negative ticker interval is invalid", config: Config{Pulse: PulseConfig{TickerIntervalSeconds: -1}}, wantErr: true},
		{name: "unknown timezone is invalid", config: Config{Pulse: PulseConfig{Timezone: "Nowhere/Land"}}, wantErr: true},
		{name: "abbreviated timezone is valid", config: Config{Pulse: PulseConfig{Timezone: "cet"}}},
		{
			name:    "soft timeout past hard timeout is invalid",
			config:  Config{Pulse: PulseConfig{DefaultTimeoutSeconds: 60, SoftTimeoutSeconds: 60}},
			wantErr: true,
		},
		{name: "negative start rate is invalid", config: Config{Pulse: PulseConfig{MaxStartsPerSecond: -1}}, wantErr: true},
		{name: "negative recent count is invalid", config: Config{Gate: GateConfig{DefaultRecentCount: -3}}, wantErr: true},
		{name: "empty database path is valid", config: Config{Database: DatabaseConfig{Path: ""}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				assert.True(t, errors.IsValidationError(err))
			}
		})
	}
}

func TestFindProjectConfig(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("finds am.toml in a parent directory", func(t *testing.T) {
		subDir := filepath.Join(tmpDir, "test1", "subdir")
		require.NoError(t, os.MkdirAll(subDir, DefaultDirPermissions))
		require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "test1", "am.toml"), []byte(""), DefaultFilePermissions))

		oldWd, _ := os.Getwd()
		defer os.Chdir(oldWd)
		require.NoError(t, os.Chdir(subDir))

		result := findProjectConfig()
		require.NotEmpty(t, result)
		assert.True(t, filepath.IsAbs(result))
		assert.Equal(t, "am.toml", filepath.Base(result))
	})

	t.Run("no config found", func(t *testing.T) {
		subDir := filepath.Join(tmpDir, "test3", "subdir")
		require.NoError(t, os.MkdirAll(subDir, DefaultDirPermissions))

		oldWd, _ := os.Getwd()
		defer os.Chdir(oldWd)
		require.NoError(t, os.Chdir(subDir))

		assert.Empty(t, findProjectConfig())
	})
}

func TestLoadLayersAndSources(t *testing.T) {
	Reset()
	defer Reset()

	home := t.TempDir()
	project := t.TempDir()
	t.Setenv("HOME", home)
	require.NoError(t, os.MkdirAll(filepath.Join(home, ".testpulse"), DefaultDirPermissions))

	require.NoError(t, os.WriteFile(filepath.Join(home, ".testpulse", "am.toml"), []byte(`
[pulse]
workers = 3
timezone = "Europe/Berlin"
`), DefaultFilePermissions))
	require.NoError(t, os.WriteFile(filepath.Join(project, "am.toml"), []byte(`
[pulse]
workers = 8
`), DefaultFilePermissions))
	t.Setenv("TESTPULSE_PULSE_DEFAULT_TIMEOUT_SECONDS", "120")

	oldWd, _ := os.Getwd()
	defer os.Chdir(oldWd)
	require.NoError(t, os.Chdir(project))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Pulse.Workers, "project config wins over user config")
	assert.Equal(t, "Europe/Berlin", cfg.Pulse.Timezone)
	assert.Equal(t, 120, cfg.Pulse.DefaultTimeoutSeconds, "env var wins over files")

	settings, err := Introspect()
	require.NoError(t, err)
	byKey := map[string]SettingInfo{}
	for _, s := range settings {
		byKey[s.Key] = s
	}
	assert.Equal(t, SourceProject, byKey["pulse.workers"].Source)
	assert.Equal(t, SourceUser, byKey["pulse.timezone"].Source)
	assert.Equal(t, SourceEnvironment, byKey["pulse.default_timeout_seconds"].Source)
	assert.Equal(t, SourceDefault, byKey["gate.default_recent_count"].Source)
}

func TestSetValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")

	require.NoError(t, SetValue(path, "pulse.workers", 7))
	require.NoError(t, SetValue(path, "pulse.timezone", "Asia/Tokyo"))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Pulse.Workers)
	assert.Equal(t, "Asia/Tokyo", cfg.Pulse.Timezone)

	_, err = os.Stat(path + ".back1")
	assert.NoError(t, err, "second write should leave a backup of the first")

	err = SetValue(path, "pulse.workers", -2)
	require.Error(t, err)
	cfg, err = LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Pulse.Workers, "invalid values never reach disk")

	assert.Error(t, SetValue(path, "workers", 2))
}

func TestConfigWatcherReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "am.toml")
	require.NoError(t, os.WriteFile(path, []byte("[pulse]\nworkers = 2\n"), DefaultFilePermissions))

	cw, err := NewConfigWatcher(path)
	require.NoError(t, err)
	cw.debouncePeriod = 10 * time.Millisecond
	cw.loader = func() (*Config, error) { return LoadFromFile(path) }

	reloaded := make(chan *Config, 4)
	cw.OnReload(func(c *Config) error {
		reloaded <- c
		return nil
	})
	cw.Start()
	defer cw.Stop()

	require.NoError(t, os.WriteFile(path, []byte("[pulse]\nworkers = 9\n"), DefaultFilePermissions))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 9, cfg.Pulse.Workers)
	case <-time.After(5 * time.Second):
		t.Fatal("config reload was not observed")
	}
}

func TestConfigWatcherWatchesManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "am.toml")
	manifest := filepath.Join(dir, "testcases.yaml")
	require.NoError(t, os.WriteFile(path, []byte("[pulse]\nworkers = 2\n"), DefaultFilePermissions))
	require.NoError(t, os.WriteFile(manifest, []byte("test_cases: []\n"), DefaultFilePermissions))

	cw, err := NewConfigWatcher(path)
	require.NoError(t, err)
	cw.debouncePeriod = 10 * time.Millisecond
	cw.loader = func() (*Config, error) { return LoadFromFile(path) }

	configReloads := make(chan struct{}, 4)
	cw.OnReload(func(*Config) error {
		configReloads <- struct{}{}
		return nil
	})
	changed := make(chan struct{}, 4)
	require.NoError(t, cw.WatchFile(manifest, func() error {
		changed <- struct{}{}
		return nil
	}))
	cw.Start()
	defer cw.Stop()

	require.NoError(t, os.WriteFile(manifest, []byte("test_cases:\n  - {id: 1, kind: shell, command: true}\n"), DefaultFilePermissions))

	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("manifest change was not observed")
	}
	assert.Empty(t, configReloads, "a manifest edit is not a config reload")
}

func TestConfigWatcherSkipsOwnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "am.toml")
	require.NoError(t, os.WriteFile(path, []byte("[pulse]\nworkers = 2\n"), DefaultFilePermissions))

	cw, err := NewConfigWatcher(path)
	require.NoError(t, err)
	cw.debouncePeriod = 10 * time.Millisecond
	cw.loader = func() (*Config, error) { return LoadFromFile(path) }

	reloaded := make(chan *Config, 4)
	cw.OnReload(func(c *Config) error {
		reloaded <- c
		return nil
	})
	cw.Start()
	defer cw.Stop()

	SetGlobalWatcher(cw)
	defer SetGlobalWatcher(nil)

	require.NoError(t, SetValue(path, "pulse.workers", 4))
	select {
	case <-reloaded:
		t.Fatal("own write triggered a reload")
	case <-time.After(200 * time.Millisecond):
	}
}
