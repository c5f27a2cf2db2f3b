package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/bryanwahyu/automaton-node/internal/application"
	"github.com/bryanwahyu/automaton-node/internal/application/cache"
	"github.com/bryanwahyu/automaton-node/internal/application/incremental"
	"github.com/bryanwahyu/automaton-node/internal/application/node"
	"github.com/bryanwahyu/automaton-node/internal/application/results"
	"github.com/bryanwahyu/automaton-node/internal/application/retry"
	appscans "github.com/bryanwahyu/automaton-node/internal/application/scans"
	apptasks "github.com/bryanwahyu/automaton-node/internal/application/tasks"
	"github.com/bryanwahyu/automaton-node/internal/application/toolchain"
	"github.com/bryanwahyu/automaton-node/internal/config"
	domresults "github.com/bryanwahyu/automaton-node/internal/domain/results"
	"github.com/bryanwahyu/automaton-node/internal/domain/scanerrors"
	"github.com/bryanwahyu/automaton-node/internal/domain/scans"
	"github.com/bryanwahyu/automaton-node/internal/domain/toolpkg"
	mysqlp "github.com/bryanwahyu/automaton-node/internal/infra/db/mysql"
	"github.com/bryanwahyu/automaton-node/internal/infra/db/postgres"
	"github.com/bryanwahyu/automaton-node/internal/infra/db/sqlite"
	"github.com/bryanwahyu/automaton-node/internal/infra/download"
	"github.com/bryanwahyu/automaton-node/internal/infra/executor/subprocess"
	"github.com/bryanwahyu/automaton-node/internal/infra/hostinfo"
	"github.com/bryanwahyu/automaton-node/internal/infra/httpserver"
	"github.com/bryanwahyu/automaton-node/internal/infra/scheduler"
	"github.com/bryanwahyu/automaton-node/internal/infra/scm/git"
	minioStore "github.com/bryanwahyu/automaton-node/internal/infra/storage"
	"github.com/bryanwahyu/automaton-node/internal/infra/verify"
	"github.com/bryanwahyu/automaton-node/internal/logging"
	"github.com/bryanwahyu/automaton-node/internal/middleware"
)

func main() {
	// path config.yaml
	path := "config.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		path = v
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(os.Stderr, logging.ParseLevel(cfg.Node.LogLevel))

	if err := run(path, cfg, log); err != nil {
		log.Errorf("fatal: %v", err)
		os.Exit(1)
	}
}

func run(path string, cfg *config.Config, log *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	nodeID, err := resolveNodeID(cfg)
	if err != nil {
		return err
	}

	// local sqlite: baseline tier, pending uploads, fallback history
	local, err := sqlite.Open(cfg.Cache.LocalPath)
	if err != nil {
		return fmt.Errorf("sqlite open: %w", err)
	}
	defer local.Close()

	checks := map[string]middleware.HealthChecker{"local_db": middleware.CheckFunc(local.Ping)}

	var (
		runs   scans.TaskRunRepository = local.Runs()
		errs   scanerrors.Repository   = local.Errors()
		ledger domresults.Ledger       = local.Chunks()
	)
	db, err := connectDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
		checks["database"] = &middleware.DatabaseHealthChecker{DB: db}
		switch cfg.Database.Driver {
		case "mysql":
			runs = mysqlp.NewTaskRunRepository(db)
			errs = mysqlp.NewScanErrorRepository(db)
			ledger = mysqlp.NewChunkLedger(db)
		case "postgres":
			runs = postgres.NewTaskRunRepository(db)
			ledger = postgres.NewChunkLedger(db)
		}
	}

	// init minio (optional): remote baseline tier + package downloads by key
	var remote cache.Tier
	var objects toolpkg.Fetcher
	if cfg.Minio.Endpoint != "" {
		store, err := minioStore.New(ctx,
			cfg.Minio.Endpoint,
			cfg.Minio.Region,
			cfg.Minio.BucketName,
			cfg.Minio.AccessKey,
			cfg.Minio.SecretKey,
			cfg.Minio.UseSSL,
		)
		if err != nil {
			return fmt.Errorf("minio init: %w", err)
		}
		objects = store
		checks["object_store"] = middleware.CheckFunc(store.Ping)
		if cfg.Cache.RemoteEnabled {
			remote = cache.NewRemoteTier(store)
		}
	}

	verifier := verify.New()
	if cfg.Tools.KeyringPath != "" {
		if err := verifier.LoadKeyring(cfg.Tools.KeyringPath); err != nil {
			return fmt.Errorf("load keyring: %w", err)
		}
		log.Infof("keyring=%s keys=%d loaded", cfg.Tools.KeyringPath, verifier.KeyCount())
	}

	catalog := buildCatalog(cfg.Tools.Catalog)
	loader := &toolchain.Loader{
		InstallDir: cfg.Tools.InstallDir,
		Catalog:    catalog,
		HTTP:       download.New(),
		Objects:    objects,
		Verifier:   verifier,
		Retry:      retry.Policy{MaxAttempts: cfg.Tools.DownloadAttempts, BaseDelay: cfg.Tools.DownloadBackoff, MaxDelay: time.Minute},
		Log:        log.With("toolchain"),
	}

	sched := scheduler.New(cfg.Scheduler.BaseURL, cfg.Scheduler.Token, cfg.Scheduler.Timeout)
	scm := git.New()

	machine := &apptasks.Machine{
		Scheduler: sched,
		SCM:       scm,
		Cache:     cache.New(local.Baselines(), remote, log.With("cache")),
		Source:    incremental.NewManager(scm, log.With("incremental")),
		Tools:     loader,
		Runner: &toolchain.Runner{
			Exec:           subprocess.NewRunner(),
			Workers:        cfg.Node.ToolWorkers,
			DefaultTimeout: cfg.Node.ToolTimeout,
			Log:            log.With("tools"),
		},
		Sender:  results.NewSender(sched, cfg.Upload.ChunkSize, log.With("sender")),
		Runs:    runs,
		Errors:  errs,
		Pending: local.Pending(),
		WorkDir: filepath.Join(cfg.Node.DataDir, "tasks"),
		Limits: apptasks.Limits{
			TaskTimeout:   cfg.Node.TaskTimeout,
			StateRetries:  cfg.Node.StateRetries,
			UploadRetries: cfg.Upload.MaxRetries,
			Backoff:       retry.Policy{BaseDelay: cfg.Upload.Backoff, MaxDelay: time.Minute},
			BlameWorkers:  cfg.Node.ToolWorkers,
		},
		Clock: application.SystemClock{},
		Log:   log.With("task"),
	}

	table := node.NewTable()
	runner := &node.Runner{
		Scheduler: sched,
		Executor:  machine,
		Host:      hostinfo.New(cfg.Node.DataDir),
		Observer:  middleware.TaskObserver{},
		Slots:     node.NewSemaphore(cfg.Node.MaxConcurrentTasks),
		Table:     table,
		Config: node.Config{
			NodeID:            nodeID,
			Tag:               cfg.Node.Tag,
			PollInterval:      cfg.Node.PollInterval,
			PollBackoffMax:    cfg.Node.PollBackoffMax,
			HeartbeatInterval: cfg.Node.HeartbeatInterval,
			Tools:             sortedKeys(catalog),
		},
		Clock: application.SystemClock{},
		Log:   log.With("node"),
	}

	if err := config.Watch(ctx, path, log.With("config"), func(c *config.Config) {
		runner.Resize(c.Node.MaxConcurrentTasks)
	}); err != nil {
		log.Warnf("config hot reload disabled: %v", err)
	}

	// init router
	mux := chi.NewRouter()
	mux.Mount("/", httpserver.NewRouter(httpserver.Deps{
		Runs: &appscans.Service{
			Runs: runs, Errors: errs, Pending: local.Pending(), Scheduler: sched, Log: log.With("runs"),
		},
		Tasks:   table,
		Ledger:  ledger,
		Checks:  checks,
		Ready:   runner.Ready,
		Token:   cfg.Server.Token,
		Limiter: middleware.NewRateLimiter(ctx, 200, 100),
		Log:     log.With("http"),
	}))

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		log.Infof("server listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("server error: %v", err)
			stop()
		}
	}()

	log.Infof("node=%s data_dir=%s max_tasks=%d tools=%s starting",
		nodeID, cfg.Node.DataDir, cfg.Node.MaxConcurrentTasks, strings.Join(runner.Config.Tools, ","))
	_ = runner.Run(ctx)

	// graceful shutdown
	log.Infof("shutting down server...")
	ctx2, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx2); err != nil {
		log.Warnf("shutdown error: %v", err)
	}
	return nil
}

func connectDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	switch cfg.Database.Driver {
	case "mysql":
		db, err := mysqlp.Connect(ctx, cfg.MySQLDSN())
		if err != nil {
			return nil, fmt.Errorf("mysql connect: %w", err)
		}
		if err := mysqlp.Migrate(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
		return db, nil
	case "postgres":
		db, err := postgres.Connect(ctx, cfg.PostgresDSN())
		if err != nil {
			return nil, fmt.Errorf("postgres connect: %w", err)
		}
		if err := postgres.Migrate(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
		return db, nil
	}
	return nil, nil
}

// resolveNodeID uses the configured id, else one persisted under the data
// dir so the node keeps its identity across restarts.
func resolveNodeID(cfg *config.Config) (string, error) {
	if cfg.Node.ID != "" {
		return cfg.Node.ID, nil
	}
	file := filepath.Join(cfg.Node.DataDir, "node-id")
	if b, err := os.ReadFile(file); err == nil && len(strings.TrimSpace(string(b))) > 0 {
		return strings.TrimSpace(string(b)), nil
	}
	id := uuid.NewString()
	if err := os.MkdirAll(cfg.Node.DataDir, 0o755); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(file, []byte(id+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("persist node id: %w", err)
	}
	return id, nil
}

func buildCatalog(entries []config.ToolEntry) map[string]toolpkg.Descriptor {
	out := make(map[string]toolpkg.Descriptor, len(entries))
	for _, e := range entries {
		tool, err := scans.ParseTool(e.Name)
		if err != nil {
			tool = scans.Tool(strings.ToLower(e.Name))
		}
		out[toolpkg.Key(tool, e.Version)] = toolpkg.Descriptor{
			Source:       e.Source,
			SHA256:       e.SHA256,
			SignatureURL: e.SignatureURL,
			Entrypoint:   e.Entrypoint,
			Archive:      e.Archive,
		}
	}
	return out
}

func sortedKeys(m map[string]toolpkg.Descriptor) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
