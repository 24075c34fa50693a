// Command flux runs the Flux coordinator, a worker node, and the admin
// utilities (secrets, health).
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fluxproj/flux/config"
	"github.com/fluxproj/flux/flux/emit"
	"github.com/fluxproj/flux/server"
	"github.com/fluxproj/flux/store"
	"github.com/fluxproj/flux/vault"
	"github.com/fluxproj/flux/worker"
)

// CLI exit codes.
const (
	exitOK          = 0
	exitFailed      = 1
	exitUsage       = 2
	exitUnreachable = 3
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitUsage
	}

	cfg, err := config.Load(os.Getenv("FLUX_CONFIG"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "flux:", err)
		return exitUsage
	}

	switch args[0] {
	case "server":
		return runServer(cfg)
	case "worker":
		return runWorker(cfg, args[1:])
	case "secrets":
		return runSecrets(cfg, args[1:])
	case "health":
		return runHealth(cfg)
	default:
		usage()
		return exitUsage
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: flux <command>

commands:
  server                     start the coordinator
  worker [-name NAME]        start a worker node
  secrets set|get|list|remove
  health                     probe the configured server`)
}

func buildLogger(cfg config.Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if err := level.Set(cfg.Core.LogLevel); err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	if cfg.Core.Debug {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

// openStore selects the backend from database_url: a mysql:// DSN or a
// SQLite file path.
func openStore(cfg config.Config) (store.Store, error) {
	url := cfg.Core.DatabaseURL
	if strings.HasPrefix(url, "mysql://") {
		return store.NewMySQLStore(strings.TrimPrefix(url, "mysql://"))
	}
	if dir := filepath.Dir(url); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, err
		}
	}
	return store.NewSQLiteStore(url)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runServer(cfg config.Config) int {
	logger, err := buildLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "flux:", err)
		return exitUsage
	}
	defer func() { _ = logger.Sync() }()

	st, err := openStore(cfg)
	if err != nil {
		logger.Error("store init failed", zap.Error(err))
		return exitFailed
	}
	defer func() { _ = st.Close() }()

	opts := []server.Option{}
	if cfg.Security.EncryptionKey != "" {
		v, err := vault.New(st, cfg.Security.EncryptionKey)
		if err != nil {
			logger.Error("vault init failed", zap.Error(err))
			return exitFailed
		}
		opts = append(opts, server.WithVault(v))
	}

	ctx, cancel := signalContext()
	defer cancel()

	if err := server.New(cfg, st, logger, opts...).Run(ctx); err != nil {
		logger.Error("server exited", zap.Error(err))
		return exitFailed
	}
	return exitOK
}

func runWorker(cfg config.Config, args []string) int {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	name := fs.String("name", defaultWorkerName(), "worker name")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	logger, err := buildLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "flux:", err)
		return exitUsage
	}
	defer func() { _ = logger.Sync() }()

	cache, err := worker.NewBoltCache(filepath.Join(cfg.Core.CachePath, "task_cache.db"))
	if err != nil {
		logger.Error("cache init failed", zap.Error(err))
		return exitFailed
	}
	defer func() { _ = cache.Close() }()

	blobs, err := worker.NewFileBlobStore(cfg.Core.LocalStoragePath)
	if err != nil {
		logger.Error("blob store init failed", zap.Error(err))
		return exitFailed
	}

	opts := []worker.WorkerOption{
		worker.WithWorkerLogger(logger),
		worker.WithCache(cache),
		worker.WithBlobStore(blobs),
	}
	if cfg.Core.Debug {
		// Trace journaled events as OpenTelemetry spans; exporters hook in
		// through the global tracer provider.
		tp := sdktrace.NewTracerProvider()
		otel.SetTracerProvider(tp)
		defer func() { _ = tp.Shutdown(context.Background()) }()
		opts = append(opts, worker.WithEmitter(emit.NewOTelEmitter(otel.Tracer("flux"))))
	}

	w := worker.New(*name, cfg, opts...)

	ctx, cancel := signalContext()
	defer cancel()

	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("worker exited", zap.Error(err))
		return exitUnreachable
	}
	return exitOK
}

func defaultWorkerName() string {
	host, err := os.Hostname()
	if err != nil {
		return "flux-worker"
	}
	return "flux-worker-" + host
}

func runSecrets(cfg config.Config, args []string) int {
	if len(args) == 0 {
		usage()
		return exitUsage
	}
	base := cfg.Core.APIURL
	token := cfg.Workers.BootstrapToken
	client := &http.Client{Timeout: 10 * time.Second}

	call := func(method, path string, body any) (int, []byte, error) {
		var reader io.Reader
		if body != nil {
			data, err := json.Marshal(body)
			if err != nil {
				return 0, nil, err
			}
			reader = bytes.NewReader(data)
		}
		req, err := http.NewRequest(method, base+path, reader)
		if err != nil {
			return 0, nil, err
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			return 0, nil, err
		}
		defer func() { _ = resp.Body.Close() }()
		data, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, data, nil
	}

	var status int
	var out []byte
	var err error
	switch args[0] {
	case "set":
		if len(args) != 3 {
			fmt.Fprintln(os.Stderr, "usage: flux secrets set <name> <value>")
			return exitUsage
		}
		status, out, err = call(http.MethodPost, "/admin/secrets", map[string]string{"name": args[1], "value": args[2]})
	case "get":
		if len(args) != 2 {
			fmt.Fprintln(os.Stderr, "usage: flux secrets get <name>")
			return exitUsage
		}
		status, out, err = call(http.MethodGet, "/admin/secrets/"+args[1], nil)
	case "list":
		status, out, err = call(http.MethodGet, "/admin/secrets", nil)
	case "remove":
		if len(args) != 2 {
			fmt.Fprintln(os.Stderr, "usage: flux secrets remove <name>")
			return exitUsage
		}
		status, out, err = call(http.MethodDelete, "/admin/secrets/"+args[1], nil)
	default:
		usage()
		return exitUsage
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "flux:", err)
		return exitUnreachable
	}
	fmt.Println(string(bytes.TrimSpace(out)))
	if status >= 400 {
		return exitFailed
	}
	return exitOK
}

func runHealth(cfg config.Config) int {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(cfg.Core.APIURL + "/health")
	if err != nil {
		fmt.Fprintln(os.Stderr, "flux:", err)
		return exitUnreachable
	}
	defer func() { _ = resp.Body.Close() }()
	data, _ := io.ReadAll(resp.Body)
	fmt.Println(string(bytes.TrimSpace(data)))
	if resp.StatusCode != http.StatusOK {
		return exitFailed
	}
	return exitOK
}
