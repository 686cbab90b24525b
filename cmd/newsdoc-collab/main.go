package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/astromechza/newsdoc-sync/pkg/auth"
	"github.com/astromechza/newsdoc-sync/pkg/cache"
	"github.com/astromechza/newsdoc-sync/pkg/collab"
	"github.com/astromechza/newsdoc-sync/pkg/extensions"
	"github.com/astromechza/newsdoc-sync/pkg/httpapi"
	"github.com/astromechza/newsdoc-sync/pkg/metrics"
	"github.com/astromechza/newsdoc-sync/pkg/operations"
	"github.com/astromechza/newsdoc-sync/pkg/repository"
	"github.com/astromechza/newsdoc-sync/pkg/snapshot"
	"github.com/astromechza/newsdoc-sync/pkg/transform"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

// envOr returns the NEWSDOC_ prefixed environment variable for a flag, or def.
func envOr(name, def string) string {
	key := "NEWSDOC_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func durationEnvOr(name string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(envOr(name, "")); err == nil {
		return d
	}
	return def
}

type config struct {
	addr            string
	cacheDB         string
	repositoryURL   string
	repositoryDB    string
	userinfoURL     string
	snapshotWait    time.Duration
	snapshotMaxWait time.Duration
	storeWait       time.Duration
	storeMaxWait    time.Duration
	logLevel        string
	logFormat       string
}

func parseConfig() config {
	var c config
	flag.StringVar(&c.addr, "addr", envOr("addr", "localhost:8080"), "the address to listen on")
	flag.StringVar(&c.cacheDB, "cache-db", envOr("cache-db", "newsdoc-cache.sqlite3"), "sqlite database holding the document cache, empty for in-memory")
	flag.StringVar(&c.repositoryURL, "repository-url", envOr("repository-url", ""), "base url of the document repository")
	flag.StringVar(&c.repositoryDB, "repository-db", envOr("repository-db", "newsdoc-repository.sqlite3"), "sqlite database used as the repository when no repository url is set")
	flag.StringVar(&c.userinfoURL, "userinfo-url", envOr("userinfo-url", ""), "userinfo endpoint used to validate access tokens")
	flag.DurationVar(&c.snapshotWait, "snapshot-wait", durationEnvOr("snapshot-wait", 30*time.Second), "quiet period before a changed document is snapshotted")
	flag.DurationVar(&c.snapshotMaxWait, "snapshot-max-wait", durationEnvOr("snapshot-max-wait", 2*time.Minute), "longest a changed document waits for a snapshot")
	flag.DurationVar(&c.storeWait, "store-wait", durationEnvOr("store-wait", 2*time.Second), "quiet period before a changed document is stored")
	flag.DurationVar(&c.storeMaxWait, "store-max-wait", durationEnvOr("store-max-wait", 10*time.Second), "longest a changed document waits to be stored")
	flag.StringVar(&c.logLevel, "log-level", envOr("log-level", "info"), "debug, info, warn or error")
	flag.StringVar(&c.logFormat, "log-format", envOr("log-format", "text"), "text or json")
	flag.Parse()
	return c
}

func setupLogging(c config) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.logLevel)); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch c.logFormat {
	case "text":
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
	case "json":
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, opts)))
	default:
		return fmt.Errorf("invalid log format %q", c.logFormat)
	}
	return nil
}

func mainInner() error {
	cfg := parseConfig()
	if err := setupLogging(cfg); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var store cache.Store
	if cfg.cacheDB == "" {
		slog.Info("Using in-memory cache")
		store = cache.NewMemory()
	} else {
		slog.Info("Opening cache database", "path", cfg.cacheDB)
		s, err := cache.OpenSQLite(ctx, cfg.cacheDB)
		if err != nil {
			return err
		}
		defer s.Close()
		store = s
	}

	var repo repository.Repository
	if cfg.repositoryURL != "" {
		c, err := repository.NewClient(cfg.repositoryURL, &http.Client{Timeout: 30 * time.Second})
		if err != nil {
			return err
		}
		repo = c
	} else {
		slog.Info("Opening repository database", "path", cfg.repositoryDB)
		r, err := repository.OpenSQLite(ctx, cfg.repositoryDB)
		if err != nil {
			return err
		}
		defer r.Close()
		repo = r
	}

	var validator auth.Validator
	if cfg.userinfoURL != "" {
		validator = auth.NewUserinfo(cfg.userinfoURL, &http.Client{Timeout: 10 * time.Second})
	} else {
		slog.Warn("No userinfo url configured, every token is accepted as its own subject")
		validator = auth.ValidatorFunc(func(_ context.Context, token string) (auth.User, error) {
			if token == "" {
				return auth.User{}, auth.ErrAuthentication
			}
			return auth.User{Sub: token}, nil
		})
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	reg := transform.Default()
	snapshotter := snapshot.New(repo, reg, m, slog.Default())
	snapshots := extensions.NewSnapshot(snapshotter, cfg.snapshotWait, cfg.snapshotMaxWait, m, slog.Default())
	server := collab.NewServer(collab.Options{
		Extensions: []any{
			&extensions.Auth{Validator: validator},
			&extensions.Cache{Store: store, Logger: slog.Default(), Metrics: m},
			&extensions.RepositoryLoader{Repository: repo, Registry: reg, Logger: slog.Default()},
			snapshots,
		},
		StoreWait:    cfg.storeWait,
		StoreMaxWait: cfg.storeMaxWait,
		Logger:       slog.Default(),
		Metrics:      m,
	})

	handler := httpapi.New(httpapi.Config{
		Server:     server,
		Operations: operations.New(server, snapshotter, repo, store, slog.Default()),
		Repository: repo,
		Validator:  validator,
		Registry:   reg,
		Metrics:    m,
		Gatherer:   registry,
		Logger:     slog.Default(),
	})
	httpServer := &http.Server{Addr: cfg.addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("Listening", "addr", cfg.addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
			cancel()
		}
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-exit:
		slog.Info("Signal caught", "sig", sig)
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shut down http server", "err", err)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shut down collaboration server", "err", err)
	}
	if n := snapshots.FlushAll(); n > 0 {
		slog.Info("flushed pending snapshots", "count", n)
	}
	wg.Wait()
	return nil
}
