package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// validConfig returns a config pointing at the test binary and a temp script.
func validConfig(t *testing.T) EngineConfig {
	t.Helper()
	dir := t.TempDir()
	script := filepath.Join(dir, "main.py")
	require.NoError(t, os.WriteFile(script, []byte("print('hi')\n"), 0o644))
	exe, err := os.Executable()
	require.NoError(t, err)
	return Default().
		WithExecutable(exe).
		WithScript("main.py").
		WithWorkingDirectory(dir)
}

func TestDefaults(t *testing.T) {
	c := Default()
	assert.Equal(t, "python", c.Executable)
	assert.Equal(t, 30*time.Second, c.StartupTimeout)
	assert.Equal(t, 10*time.Second, c.HealthCheckInterval)
	assert.Equal(t, 5*time.Second, c.HealthCheckTimeout)
	assert.Equal(t, 3, c.MaxRestartAttempts)
	assert.Equal(t, 2*time.Second, c.RestartDelayBase)
	assert.Equal(t, 60*time.Second, c.MaxRestartDelay)
	assert.NotEmpty(t, c.WorkingDirectory)
}

func TestValidateAcceptsValidConfig(t *testing.T) {
	c := validConfig(t)
	require.NoError(t, c.Validate())
	assert.Equal(t, filepath.Join(c.WorkingDirectory, "main.py"), c.ScriptPath())
	argv := c.Command()
	require.Len(t, argv, 2)
	assert.Equal(t, c.ScriptPath(), argv[1])
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(EngineConfig) EngineConfig
		want   string
	}{
		{"traversal executable", func(c EngineConfig) EngineConfig { return c.WithExecutable("../bin/python") }, "unsafe"},
		{"tilde executable", func(c EngineConfig) EngineConfig { return c.WithExecutable("~/python") }, "unsafe"},
		{"missing executable", func(c EngineConfig) EngineConfig { return c.WithExecutable("/definitely/not/here") }, "does not exist"},
		{"unknown bare executable", func(c EngineConfig) EngineConfig { return c.WithExecutable("no-such-interpreter-xyz") }, "PATH"},
		{"traversal script", func(c EngineConfig) EngineConfig { return c.WithScript("../main.py") }, "traversal"},
		{"missing script", func(c EngineConfig) EngineConfig { return c.WithScript("nope.py") }, "script does not exist"},
		{"missing workdir", func(c EngineConfig) EngineConfig { return c.WithWorkingDirectory("/no/such/dir") }, "working directory"},
		{"zero startup", func(c EngineConfig) EngineConfig { return c.WithStartupTimeout(0) }, "startup timeout"},
		{"huge startup", func(c EngineConfig) EngineConfig { return c.WithStartupTimeout(301 * time.Second) }, "exceeds"},
		{"zero interval", func(c EngineConfig) EngineConfig { return c.WithHealthCheck(0, time.Second) }, "interval"},
		{"zero probe timeout", func(c EngineConfig) EngineConfig { return c.WithHealthCheck(time.Second, 0) }, "health check timeout"},
		{"too many restarts", func(c EngineConfig) EngineConfig { return c.WithRestartPolicy(11, time.Second, time.Minute) }, "max restart attempts"},
		{"cap below base", func(c EngineConfig) EngineConfig { return c.WithRestartPolicy(3, time.Minute, time.Second) }, "max restart delay"},
		{"nul in env", func(c EngineConfig) EngineConfig { return c.WithEnv("A", "x\x00y") }, "NUL"},
		{"long env key", func(c EngineConfig) EngineConfig { return c.WithEnv(strings.Repeat("K", 1001), "v") }, "name too long"},
		{"long env value", func(c EngineConfig) EngineConfig { return c.WithEnv("K", strings.Repeat("v", 10001)) }, "value too long"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.mutate(validConfig(t)).Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestWithEnvDoesNotAlias(t *testing.T) {
	a := Default().WithEnv("A", "1")
	b := a.WithEnv("B", "2")
	assert.Len(t, a.Environment, 1)
	assert.Len(t, b.Environment, 2)
}

func TestBackoffExamples(t *testing.T) {
	c := Default().WithRestartPolicy(10, 2*time.Second, 60*time.Second)
	assert.Equal(t, 2*time.Second, c.Backoff(1))
	assert.Equal(t, 4*time.Second, c.Backoff(2))
	assert.Equal(t, 8*time.Second, c.Backoff(3))
	assert.Equal(t, 32*time.Second, c.Backoff(5))
	assert.Equal(t, 60*time.Second, c.Backoff(6))
	assert.Equal(t, 60*time.Second, c.Backoff(10))
}

func TestBackoffProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		base := time.Duration(rapid.Int64Range(1, int64(10*time.Second)).Draw(rt, "base"))
		maxDelay := base * time.Duration(rapid.Int64Range(1, 1000).Draw(rt, "mult"))
		k := rapid.IntRange(1, MaxRestartAttemptsLimit).Draw(rt, "k")
		c := Default().WithRestartPolicy(MaxRestartAttemptsLimit, base, maxDelay)

		want := base << uint(k-1)
		if want > maxDelay {
			want = maxDelay
		}
		if got := c.Backoff(k); got != want {
			rt.Fatalf("Backoff(%d) = %s, want %s (base=%s cap=%s)", k, got, want, base, maxDelay)
		}
	})
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	c := validConfig(t).
		WithEnv("MODEL_DIR", "/models").
		WithStartupTimeout(45*time.Second).
		WithRestartPolicy(5, time.Second, 20*time.Second)
	c.Args = []string{"--verbose"}

	path := filepath.Join(t.TempDir(), "engine.toml")
	require.NoError(t, Save(path, c))

	got, err := LoadEngine(path)
	require.NoError(t, err)
	assert.Equal(t, c.Executable, got.Executable)
	assert.Equal(t, c.WorkingDirectory, got.WorkingDirectory)
	assert.Equal(t, 45*time.Second, got.StartupTimeout)
	assert.Equal(t, 5, got.MaxRestartAttempts)
	assert.Equal(t, 20*time.Second, got.MaxRestartDelay)
	assert.Equal(t, []string{"--verbose"}, got.Args)
	assert.Equal(t, map[string]string{"MODEL_DIR": "/models"}, got.Environment)
}

func TestLoadEnvironmentOverride(t *testing.T) {
	c := validConfig(t)
	path := filepath.Join(t.TempDir(), "engine.toml")
	require.NoError(t, Save(path, c))

	t.Setenv("AIENGINE_ENGINE_HEALTH_CHECK_INTERVAL", "250ms")
	got, err := LoadEngine(path)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, got.HealthCheckInterval)
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.toml")
	content := `
[engine]
executable = "../python"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid engine config")

	require.NoError(t, os.WriteFile(path, []byte("env = [\"NOVALUE\"]\n"), 0o644))
	_, err = Load(path)
	require.Error(t, err)
}

func TestLoadSectionsDefaults(t *testing.T) {
	c := validConfig(t)
	path := filepath.Join(t.TempDir(), "engine.toml")
	require.NoError(t, Save(path, c))
	fc, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8790", fc.Server.Listen)
	assert.True(t, fc.Metrics.Enabled)
	assert.Equal(t, "none", fc.Tracing.Exporter)
	assert.Equal(t, "text", fc.Log.Format)
}

func TestLoadResolvesPathsAgainstConfigDir(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "work"), 0o755))
	content := `
[engine]
executable = "` + exe + `"
script = ""
working_directory = "work"

[server.tls]
enabled = true
cert_file = "certs/server.crt"
key_file = "/etc/aiengine/server.key"
dir = "tls"
`
	path := filepath.Join(dir, "engine.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	fc, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "work"), fc.Engine.WorkingDirectory)
	assert.Equal(t, filepath.Join(dir, "certs", "server.crt"), fc.Server.TLS.CertFile)
	assert.Equal(t, "/etc/aiengine/server.key", fc.Server.TLS.KeyFile)
	assert.Equal(t, filepath.Join(dir, "tls"), fc.Server.TLS.Dir)
	assert.Equal(t, "1.3", fc.Server.TLS.MinVersion)
}
