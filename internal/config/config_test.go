package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanwahyu/automaton-node/internal/logging"
)

const sample = `
node:
  id: node-a
  maxConcurrentTasks: 3
  pollInterval: 5s
scheduler:
  baseURL: http://scheduler:8080
database:
  driver: postgres
  host: db
  port: 5432
  user: scan
  password: secret
  name: scans
tools:
  catalog:
    - name: pylint
      version: "3.2.0"
      source: https://example.test/pylint-3.2.0.tar.gz
      sha256: abc
      archive: true
`

func TestParse_AppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Node.MaxConcurrentTasks)
	assert.Equal(t, 5*time.Second, cfg.Node.PollInterval)
	assert.Equal(t, 8*time.Second, cfg.Node.HeartbeatInterval)
	assert.Equal(t, 500, cfg.Upload.ChunkSize)
	assert.Equal(t, 5, cfg.Upload.MaxRetries)
	assert.Equal(t, filepath.Join("./data", "tools"), cfg.Tools.InstallDir)
	require.Len(t, cfg.Tools.Catalog, 1)
	assert.True(t, cfg.Tools.Catalog[0].Archive)
	assert.Equal(t, "host=db port=5432 user=scan password=secret dbname=scans sslmode=disable", cfg.PostgresDSN())
}

func TestParse_ExplicitZeroKept(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		get  func(*Config) int
		want int
	}{
		{"state retries zero", "node: {stateRetries: 0}", func(c *Config) int { return c.Node.StateRetries }, 0},
		{"state retries absent", "node: {id: x}", func(c *Config) int { return c.Node.StateRetries }, 3},
		{"upload retries zero", "upload: {maxRetries: 0}", func(c *Config) int { return c.Upload.MaxRetries }, 0},
		{"upload retries absent", "upload: {chunkSize: 10}", func(c *Config) int { return c.Upload.MaxRetries }, 5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Parse([]byte("scheduler: {baseURL: http://s}\n" + tc.yaml))
			require.NoError(t, err)
			assert.Equal(t, tc.want, tc.get(cfg))
		})
	}
}

func TestParse_Rejects(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"missing scheduler", "node: {id: x}", "scheduler.baseURL"},
		{"zero slots", "scheduler: {baseURL: http://s}\nnode: {maxConcurrentTasks: 0}", "node.maxConcurrentTasks"},
		{"negative retries", "scheduler: {baseURL: http://s}\nnode: {stateRetries: -1}", "node.stateRetries"},
		{"zero poll interval", "scheduler: {baseURL: http://s}\nnode: {pollInterval: 0s}", "node.pollInterval"},
		{"bad driver", "scheduler: {baseURL: http://s}\ndatabase: {driver: oracle}", "not supported"},
		{"duplicate tool", `
scheduler: {baseURL: http://s}
tools:
  catalog:
    - {name: eslint, version: "9", source: a}
    - {name: eslint, version: "9", source: b}
`, "duplicate entry eslint@9"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *Config, 4)
	require.NoError(t, Watch(ctx, path, logging.Discard(), func(c *Config) {
		select {
		case got <- c:
		default:
		}
	}))

	updated := []byte(sample + "\nupload:\n  chunkSize: 42\n")
	require.NoError(t, os.WriteFile(path, updated, 0o644))

	// a single write can surface as several events, some seeing a partial file
	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-got:
			if c.Upload.ChunkSize == 42 {
				return
			}
		case <-deadline:
			t.Fatal("no reload observed")
		}
	}
}
