package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Node struct {
		ID                 string        `yaml:"id"`
		Tag                string        `yaml:"tag"`
		DataDir            string        `yaml:"dataDir"`
		MaxConcurrentTasks int           `yaml:"maxConcurrentTasks"`
		PollInterval       time.Duration `yaml:"pollInterval"`
		PollBackoffMax     time.Duration `yaml:"pollBackoffMax"`
		HeartbeatInterval  time.Duration `yaml:"heartbeatInterval"`
		TaskTimeout        time.Duration `yaml:"taskTimeout"`
		ToolTimeout        time.Duration `yaml:"toolTimeout"`
		ToolWorkers        int           `yaml:"toolWorkers"`
		StateRetries       int           `yaml:"stateRetries"`
		LogLevel           string        `yaml:"logLevel"`
	} `yaml:"node"`

	Scheduler struct {
		BaseURL string        `yaml:"baseURL"`
		Token   string        `yaml:"token"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"scheduler"`

	Server struct {
		Port  int    `yaml:"port"`
		Token string `yaml:"token"`
	} `yaml:"server"`

	Database struct {
		Driver   string `yaml:"driver"` // mysql | postgres | "" (disabled)
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Name     string `yaml:"name"`
	} `yaml:"database"`

	Minio struct {
		Endpoint   string `yaml:"endpoint"`
		AccessKey  string `yaml:"accessKey"`
		SecretKey  string `yaml:"secretKey"`
		BucketName string `yaml:"bucketName"`
		Region     string `yaml:"region"`
		UseSSL     bool   `yaml:"useSSL"`
	} `yaml:"minio"`

	Cache struct {
		LocalPath     string `yaml:"localPath"`
		RemoteEnabled bool   `yaml:"remoteEnabled"`
	} `yaml:"cache"`

	Tools struct {
		InstallDir       string        `yaml:"installDir"`
		DownloadAttempts int           `yaml:"downloadAttempts"`
		DownloadBackoff  time.Duration `yaml:"downloadBackoff"`
		KeyringPath      string        `yaml:"keyringPath"`
		Catalog          []ToolEntry   `yaml:"catalog"`
	} `yaml:"tools"`

	Upload struct {
		ChunkSize  int           `yaml:"chunkSize"`
		MaxRetries int           `yaml:"maxRetries"`
		Backoff    time.Duration `yaml:"backoff"`
	} `yaml:"upload"`
}

// ToolEntry is one installable analyzer build known to this node.
type ToolEntry struct {
	Name         string `yaml:"name"`
	Version      string `yaml:"version"`
	Source       string `yaml:"source"` // http(s) URL or object key
	SHA256       string `yaml:"sha256"`
	SignatureURL string `yaml:"signatureURL"`
	Entrypoint   string `yaml:"entrypoint"`
	Archive      bool   `yaml:"archive"`
}

// Load baca file config.yaml, isi default, lalu validasi
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes data over Default, so keys absent from the file keep their
// default while an explicit zero (stateRetries: 0) is preserved.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.derivePaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a config holding every default value.
func Default() *Config {
	var c Config
	c.Node.DataDir = "./data"
	c.Node.MaxConcurrentTasks = 2
	c.Node.PollInterval = 10 * time.Second
	c.Node.PollBackoffMax = 5 * time.Minute
	c.Node.HeartbeatInterval = 8 * time.Second
	c.Node.TaskTimeout = 2 * time.Hour
	c.Node.ToolTimeout = 30 * time.Minute
	c.Node.ToolWorkers = 4
	c.Node.StateRetries = 3
	c.Node.LogLevel = "info"
	c.Scheduler.Timeout = 30 * time.Second
	c.Server.Port = 8090
	c.Tools.DownloadAttempts = 3
	c.Tools.DownloadBackoff = 2 * time.Second
	c.Upload.ChunkSize = 500
	c.Upload.MaxRetries = 5
	c.Upload.Backoff = time.Second
	return &c
}

// derivePaths fills paths that live under dataDir unless set explicitly.
func (c *Config) derivePaths() {
	if c.Node.DataDir == "" {
		c.Node.DataDir = "./data"
	}
	if c.Cache.LocalPath == "" {
		c.Cache.LocalPath = filepath.Join(c.Node.DataDir, "node.db")
	}
	if c.Tools.InstallDir == "" {
		c.Tools.InstallDir = filepath.Join(c.Node.DataDir, "tools")
	}
}

// Validate rejects values the node cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Scheduler.BaseURL == "" {
		errs = append(errs, errors.New("scheduler.baseURL is required"))
	}
	if c.Node.MaxConcurrentTasks < 1 {
		errs = append(errs, fmt.Errorf("node.maxConcurrentTasks must be positive, got %d", c.Node.MaxConcurrentTasks))
	}
	if c.Node.ToolWorkers < 1 {
		errs = append(errs, fmt.Errorf("node.toolWorkers must be positive, got %d", c.Node.ToolWorkers))
	}
	if c.Node.StateRetries < 0 {
		errs = append(errs, fmt.Errorf("node.stateRetries must be >= 0, got %d", c.Node.StateRetries))
	}
	if c.Node.HeartbeatInterval < time.Second {
		errs = append(errs, fmt.Errorf("node.heartbeatInterval too small: %s", c.Node.HeartbeatInterval))
	}
	for name, d := range map[string]time.Duration{
		"node.pollInterval": c.Node.PollInterval,
		"node.taskTimeout":  c.Node.TaskTimeout,
		"node.toolTimeout":  c.Node.ToolTimeout,
		"scheduler.timeout": c.Scheduler.Timeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.Tools.DownloadAttempts < 1 {
		errs = append(errs, fmt.Errorf("tools.downloadAttempts must be positive, got %d", c.Tools.DownloadAttempts))
	}
	if c.Upload.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("upload.maxRetries must be >= 0, got %d", c.Upload.MaxRetries))
	}
	if c.Upload.ChunkSize < 1 {
		errs = append(errs, fmt.Errorf("upload.chunkSize must be positive, got %d", c.Upload.ChunkSize))
	}
	switch c.Database.Driver {
	case "", "mysql", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q not supported (mysql, postgres)", c.Database.Driver))
	}
	seen := make(map[string]bool)
	for i, t := range c.Tools.Catalog {
		if t.Name == "" || t.Version == "" || t.Source == "" {
			errs = append(errs, fmt.Errorf("tools.catalog[%d]: name, version and source are required", i))
			continue
		}
		key := t.Name + "@" + t.Version
		if seen[key] {
			errs = append(errs, fmt.Errorf("tools.catalog[%d]: duplicate entry %s", i, key))
		}
		seen[key] = true
	}
	return errors.Join(errs...)
}

// Helper untuk build DSN MySQL
func (c *Config) MySQLDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4&loc=UTC",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
	)
}

// PostgresDSN builds a lib/pq connection string.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.Name,
	)
}
