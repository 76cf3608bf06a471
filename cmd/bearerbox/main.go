// Command bearerbox runs the core routing/dispatch engine: it accepts
// smsbox/wapbox connections, drives one or more SMSC back-ends, and
// routes messages between them per the persistent store and DLR index.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/protei/bearerbox/internal/config"
	"github.com/protei/bearerbox/internal/logger"
	"github.com/protei/bearerbox/pkg/admin"
	"github.com/protei/bearerbox/pkg/auditlog"
	"github.com/protei/bearerbox/pkg/core"
)

var (
	configPath = flag.String("config", "configs/config.yaml", "path to configuration file")
	version    = flag.Bool("version", false, "print version and exit")
)

const appVersion = "1.0.0"

// application owns every top-level component and their lifecycles.
type application struct {
	cfg   *config.Config
	log   *logger.Logger
	core  *core.Core
	admin *admin.Server
	audit *auditlog.Sink
}

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("bearerbox version %s\n", appVersion)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bearerbox: load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "bearerbox: invalid config: %v\n", err)
		os.Exit(1)
	}

	app, err := newApplication(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bearerbox: init: %v\n", err)
		os.Exit(1)
	}

	if err := app.Start(); err != nil {
		app.log.Fatal("bearerbox: start failed", err)
	}

	app.waitForShutdown()
	app.Stop()
}

func newApplication(cfg *config.Config) (*application, error) {
	err := logger.Init(logger.Config{
		Path:       cfg.Log.Path,
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	log := logger.Get()
	log.Info("bearerbox starting", "version", appVersion, "config", *configPath)

	app := &application{cfg: cfg, log: log}

	var accessSink func(string)
	if cfg.AccessLog.PostgresDSN != "" {
		sink, err := auditlog.Open(auditlog.Config{DSN: cfg.AccessLog.PostgresDSN, MaxConns: 20, MaxIdle: 5})
		if err != nil {
			log.Warn("audit log disabled, continuing with file-only access logging", "err", err.Error())
		} else {
			app.audit = sink
			accessSink = sink.Write
		}
	}
	if cfg.AccessLog.FilePath != "" {
		fileWriter, err := openAccessLogFile(cfg.AccessLog.FilePath)
		if err != nil {
			log.Warn("access log file unavailable", "err", err.Error())
		} else {
			prev := accessSink
			accessSink = func(line string) {
				fmt.Fprintln(fileWriter, line)
				if prev != nil {
					prev(line)
				}
			}
		}
	}

	c, err := core.New(cfg, accessSink)
	if err != nil {
		return nil, fmt.Errorf("init core: %w", err)
	}
	app.core = c

	if cfg.Admin.ListenAddr != "" {
		users := make(map[string]string, len(cfg.Admin.Users))
		for _, u := range cfg.Admin.Users {
			users[u.Username] = u.PasswordHash
		}
		authSvc := admin.NewAuthService(cfg.Admin.JWTSecret, cfg.Admin.TokenExpiry, users)
		app.admin = admin.New(cfg.Admin.ListenAddr, c, authSvc)
	}

	return app, nil
}

func (a *application) Start() error {
	if err := a.core.Start(); err != nil {
		return fmt.Errorf("start core: %w", err)
	}
	if a.admin != nil {
		go func() {
			if err := a.admin.Start(); err != nil {
				a.log.Error("admin server stopped", err)
			}
		}()
	}
	a.log.Info("bearerbox started")
	return nil
}

func (a *application) Stop() {
	a.log.Info("bearerbox stopping")
	if a.admin != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.admin.Stop(ctx); err != nil {
			a.log.Error("admin server shutdown error", err)
		}
	}
	a.core.Shutdown()
	if a.audit != nil {
		if err := a.audit.Close(); err != nil {
			a.log.Error("audit log close error", err)
		}
	}
	a.log.Info("bearerbox stopped")
}

func openAccessLogFile(path string) (io.Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create access log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open access log file: %w", err)
	}
	return f, nil
}

func (a *application) waitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	a.log.Info("received shutdown signal", "signal", sig.String())
}
