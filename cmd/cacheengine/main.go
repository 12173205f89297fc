package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fleetwork/cacheengine/internal/admin"
	"github.com/fleetwork/cacheengine/internal/config"
	"github.com/fleetwork/cacheengine/internal/engine"
	"github.com/fleetwork/cacheengine/pkg/utils"
)

const shutdownTimeout = 15 * time.Second

type flags struct {
	configPath  string
	logLevel    string
	writeConfig string
	issueToken  string
	tokenRole   string
	tokenTTL    time.Duration
	version     bool
}

func parseFlags(args []string) (flags, error) {
	var f flags
	fs := flag.NewFlagSet("cacheengine", flag.ContinueOnError)
	fs.StringVar(&f.configPath, "config", "", "path to a YAML configuration file")
	fs.StringVar(&f.logLevel, "log-level", "", "override the configured log level (DEBUG, INFO, WARN, ERROR)")
	fs.StringVar(&f.writeConfig, "write-config", "", "write the effective configuration to this path and exit")
	fs.StringVar(&f.issueToken, "issue-token", "", "print an admin API token for this subject and exit")
	fs.StringVar(&f.tokenRole, "token-role", admin.RoleOperator, "role carried by -issue-token")
	fs.DurationVar(&f.tokenTTL, "token-ttl", 24*time.Hour, "lifetime of the -issue-token token")
	fs.BoolVar(&f.version, "version", false, "print the version and exit")
	return f, fs.Parse(args)
}

// loadConfig layers defaults, the optional file and the environment
func loadConfig(f flags) (*config.Configuration, error) {
	cfg := config.NewDefault()
	if f.configPath != "" {
		if err := cfg.LoadFromFile(f.configPath); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if f.logLevel != "" {
		cfg.Global.LogLevel = f.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "cacheengine: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	f, err := parseFlags(args)
	if err != nil {
		return err
	}
	if f.version {
		fmt.Println("cacheengine", admin.Version)
		return nil
	}

	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}

	switch {
	case f.writeConfig != "":
		return cfg.SaveToFile(f.writeConfig)
	case f.issueToken != "":
		if cfg.Admin.JWTSecret == "" {
			return fmt.Errorf("admin.jwt_secret is not configured")
		}
		token, err := admin.IssueToken(cfg.Admin.JWTSecret, cfg.Admin.JWTIssuer, f.issueToken, f.tokenRole, f.tokenTTL)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	}

	closer, err := utils.SetupLogging(cfg.Global.LogLevel, cfg.Global.LogFormat, utils.LogOutput{
		File:       cfg.Global.LogFile,
		MaxSize:    int64(cfg.Global.LogMaxSizeMB) << 20,
		MaxBackups: cfg.Global.LogMaxBackups,
		Compress:   cfg.Global.LogCompress,
	})
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := engine.New(ctx, cfg)
	if err != nil {
		return err
	}
	if err := eng.Start(ctx); err != nil {
		_ = eng.Stop(context.Background())
		return err
	}

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return eng.Stop(shutdownCtx)
}
