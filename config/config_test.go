package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
targets:
  - name: prod
    address: deploy@10.0.0.5
    script_path: /opt/restart.sh
`))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "restartd.db", cfg.Database.DSN)
	assert.Equal(t, 3600, cfg.Push.TTL)
	assert.Equal(t, 1, cfg.WorkerPool.Size)

	assert.Equal(t, 3, cfg.Session.ConnectAttempts)
	assert.Equal(t, 2*time.Second, cfg.Session.BaseBackoff)
	assert.Equal(t, 5*time.Second, cfg.Session.KeepAlive)
	assert.Equal(t, time.Second, cfg.Session.ReconnectSettle)
	assert.Equal(t, 50*time.Millisecond, cfg.Session.CommandPoll)
	assert.Equal(t, 10*time.Second, cfg.Session.DialTimeout)
	assert.Equal(t, 10*time.Second, cfg.Session.ProbeTimeout)

	assert.Equal(t, 3*time.Second, cfg.Restart.PollInterval)
	assert.Equal(t, 200*time.Millisecond, cfg.Restart.SettleDelay)
	assert.Equal(t, 5, cfg.Restart.FailureThreshold)
	assert.Equal(t, time.Second, cfg.Restart.Debounce)
	assert.Equal(t, 30*time.Second, cfg.Restart.CommandTimeout)

	require.Len(t, cfg.Targets, 1)
	assert.Equal(t, TargetConfig{
		Name:       "prod",
		Address:    "deploy@10.0.0.5",
		Host:       "10.0.0.5",
		Port:       22,
		User:       "deploy",
		ScriptPath: "/opt/restart.sh",
	}, cfg.Targets[0])
}

func TestLoad_ExplicitFieldsWinOverAddress(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
identity: bob
restart:
  poll_interval_ms: 500
targets:
  - name: prod
    address: deploy@10.0.0.5:2200
    user: ops
    script_path: /opt/restart.sh
`))
	require.NoError(t, err)
	assert.Equal(t, "bob", cfg.Identity)
	assert.Equal(t, 500*time.Millisecond, cfg.Restart.PollInterval)
	assert.Equal(t, "ops", cfg.Targets[0].User)
	assert.Equal(t, 2200, cfg.Targets[0].Port)
}

func TestLoad_Invalid(t *testing.T) {
	testCases := []struct {
		name    string
		body    string
		message string
	}{
		{
			name:    "missing script path",
			body:    "targets:\n  - name: prod\n    host: h\n    user: u\n",
			message: "ScriptPath is required",
		},
		{
			name:    "missing host",
			body:    "targets:\n  - name: prod\n    user: u\n    script_path: /s\n",
			message: "Host is required",
		},
		{
			name:    "bad driver",
			body:    "database:\n  driver: mysql\n  dsn: x\n",
			message: "Driver must be one of: sqlite postgres",
		},
		{
			name:    "postgres needs a dsn",
			body:    "database:\n  driver: postgres\n",
			message: "DSN is required",
		},
		{
			name:    "duplicate target",
			body:    "targets:\n  - {name: a, host: h, user: u, script_path: /s}\n  - {name: a, host: h, user: u, script_path: /s}\n",
			message: `duplicate target "a"`,
		},
		{
			name:    "bad address",
			body:    "targets:\n  - {name: a, address: 'u@h:notaport', script_path: /s}\n",
			message: `target "a"`,
		},
		{
			name:    "malformed yaml",
			body:    "targets: [",
			message: "decode",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.message)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestConfig_Target(t *testing.T) {
	one := &Config{Targets: []TargetConfig{{Name: "prod"}}}
	got, err := one.Target("")
	require.NoError(t, err)
	assert.Equal(t, "prod", got.Name)

	_, err = one.Target("qa")
	assert.ErrorContains(t, err, `unknown target "qa"`)

	two := &Config{Targets: []TargetConfig{{Name: "prod"}, {Name: "qa"}}}
	_, err = two.Target("")
	assert.ErrorContains(t, err, "--target")
	got, err = two.Target("qa")
	require.NoError(t, err)
	assert.Equal(t, "qa", got.Name)
}

func TestConfigExampleLoads(t *testing.T) {
	cfg, err := Load("config.example.yaml")
	require.NoError(t, err)
	assert.Equal(t, "alice", cfg.Identity)
	assert.Equal(t, "10.0.0.5", cfg.Targets[0].Host)
}
