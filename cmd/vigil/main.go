package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/clawinfra/vigil/internal/api"
	"github.com/clawinfra/vigil/internal/audit"
	"github.com/clawinfra/vigil/internal/config"
	"github.com/clawinfra/vigil/internal/core"
	"github.com/clawinfra/vigil/internal/ingest"
	"github.com/clawinfra/vigil/internal/security"
	"github.com/clawinfra/vigil/internal/selfmod"
	"github.com/clawinfra/vigil/internal/training"
)

var version = "0.1.0"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "vigil.json", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("vigil %s\n", version)
		return 0
	}

	// "vigil token <subject>" mints an operator token for the control surface.
	if flag.Arg(0) == "token" {
		return tokenCommand(flag.Args()[1:])
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Server.LogLevel),
	}))
	slog.SetDefault(logger)
	logger.Info("vigil starting", "version", version, "config", *configPath)

	if err := os.MkdirAll(cfg.Server.DataDir, 0o755); err != nil {
		logger.Error("create data dir", "error", err)
		return 1
	}

	trail, err := newAuditLog(cfg, logger)
	if err != nil {
		logger.Error("open audit log", "error", err)
		return 1
	}
	defer trail.Close()

	profile, err := selfmod.LoadSimProfile(cfg.SelfMod.SandboxProfile)
	if err != nil {
		logger.Error("load sandbox profile", "error", err)
		return 1
	}
	sim, err := selfmod.NewSimCollaborators(profile, logger)
	if err != nil {
		logger.Error("init sandbox", "error", err)
		return 1
	}

	engine, err := selfmod.NewEngine(cfg.SelfMod, sim, sim, trail, logger)
	if err != nil {
		logger.Error("init engine", "error", err)
		return 1
	}

	coordinator := training.NewCoordinator(cfg.Training,
		training.NewSimTrainer(0.70, 0.03), training.NewSimLoader(logger), trail, logger)

	svc := core.New(cfg, engine, coordinator, trail, logger)

	var secret []byte
	if cfg.Auth.Secret != "" {
		secret = []byte(cfg.Auth.Secret)
	} else {
		secret = security.SecretFromEnv()
	}
	server := api.NewServer(cfg.Server, svc, secret, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(ctx) })
	g.Go(func() error { return server.Start(ctx) })

	if cfg.MQTT.Enabled {
		channel := ingest.NewChannel(cfg.MQTT, svc, logger)
		if err := channel.Start(ctx); err != nil {
			logger.Error("start mqtt channel", "error", err)
			stop()
			g.Wait()
			return 1
		}
		defer channel.Stop()
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("shutdown with error", "error", err)
		return 1
	}
	logger.Info("vigil stopped")
	return 0
}

// tokenCommand prints a signed operator token. The secret comes from the
// environment so it never lands in shell history.
func tokenCommand(args []string) int {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	subject := fs.String("subject", "operator", "token subject")
	expiry := fs.Duration("expiry", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	secret := security.SecretFromEnv()
	if secret == nil {
		fmt.Fprintln(os.Stderr, "VIGIL_JWT_SECRET not set")
		return 1
	}
	token, err := security.GenerateToken(*subject, security.RoleOperator, secret, *expiry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "generate token: %v\n", err)
		return 1
	}
	fmt.Println(token)
	return 0
}

func newAuditLog(cfg *config.Config, logger *slog.Logger) (*audit.Log, error) {
	if cfg.Audit.DBPath == "" {
		return audit.NewMemory(cfg.Audit.Keep, logger), nil
	}
	path := cfg.Audit.DBPath
	if !filepath.IsAbs(path) {
		path = filepath.Join(cfg.Server.DataDir, path)
	}
	return audit.NewSQLite(path, cfg.Audit.Keep, logger)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
