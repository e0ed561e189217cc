// Package main is trinityctl, the operator CLI for the Trinity control
// plane: day-two database and container-engine operations that sit
// outside the HTTP API surface, plus a thin client for the parts that
// don't.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/trinity-controlplane/trinity/internal/common/config"
	"github.com/trinity-controlplane/trinity/internal/common/logger"
	"github.com/trinity-controlplane/trinity/internal/containerengine"
	"github.com/trinity-controlplane/trinity/internal/persistence"
)

const usage = `trinityctl <command> [flags]

Commands:
  migrate            apply pending database schema migrations
  ensure-base-image  pull/verify the configured agent base image is present
  backup <dest>      copy the sqlite database file to dest
  restore <src>      overwrite the sqlite database file from src
  deploy <file>      POST a system manifest to a running trinityd
  start <name>       POST /agents/{name}/start on a running trinityd
  stop <name>        POST /agents/{name}/stop on a running trinityd

Run 'trinityctl <command> -h' for command-specific flags.

Exit codes: 0 success, 1 usage error, 2 runtime error.
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return 1
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return 2
	}
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return 2
	}
	defer log.Sync()

	ctx := context.Background()

	switch args[0] {
	case "migrate":
		return cmdMigrate(ctx, cfg, log)
	case "ensure-base-image":
		return cmdEnsureBaseImage(ctx, cfg, log)
	case "backup":
		return cmdBackup(cfg, args[1:])
	case "restore":
		return cmdRestore(cfg, args[1:])
	case "deploy":
		return cmdDeploy(ctx, args[1:])
	case "start":
		return cmdAgentAction(ctx, "start", args[1:])
	case "stop":
		return cmdAgentAction(ctx, "stop", args[1:])
	case "-h", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", args[0], usage)
		return 1
	}
}

func cmdMigrate(ctx context.Context, cfg *config.Config, log *logger.Logger) int {
	db, err := persistence.Open(cfg.Database)
	if err != nil {
		log.Error("open database", zap.Error(err))
		return 2
	}
	defer db.Close()
	if err := persistence.Migrate(db); err != nil {
		log.Error("apply migrations", zap.Error(err))
		return 2
	}
	log.Info("migrations applied")
	return 0
}

func cmdEnsureBaseImage(ctx context.Context, cfg *config.Config, log *logger.Logger) int {
	engine, err := containerengine.NewDockerEngine(cfg.Engine, log)
	if err != nil {
		log.Error("connect to container engine", zap.Error(err))
		return 2
	}
	defer engine.Close()
	if err := engine.EnsureImage(ctx, cfg.Engine.BaseImage); err != nil {
		log.Error("ensure base image", zap.String("image", cfg.Engine.BaseImage), zap.Error(err))
		return 2
	}
	log.Info("base image present", zap.String("image", cfg.Engine.BaseImage))
	return 0
}

// cmdBackup and cmdRestore operate on the sqlite file directly; a
// postgres-backed deployment is expected to use its own dump/restore
// tooling, since trinityctl ships no postgres client of its own.
func cmdBackup(cfg *config.Config, args []string) int {
	fs := flag.NewFlagSet("backup", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: trinityctl backup <dest>")
		return 1
	}
	if cfg.Database.Driver != "sqlite" {
		fmt.Fprintf(os.Stderr, "backup is only implemented for the sqlite driver (configured: %s)\n", cfg.Database.Driver)
		return 2
	}
	if err := copyFile(cfg.Database.Path, fs.Arg(0)); err != nil {
		fmt.Fprintf(os.Stderr, "backup failed: %v\n", err)
		return 2
	}
	fmt.Printf("backed up %s to %s\n", cfg.Database.Path, fs.Arg(0))
	return 0
}

func cmdRestore(cfg *config.Config, args []string) int {
	fs := flag.NewFlagSet("restore", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: trinityctl restore <src>")
		return 1
	}
	if cfg.Database.Driver != "sqlite" {
		fmt.Fprintf(os.Stderr, "restore is only implemented for the sqlite driver (configured: %s)\n", cfg.Database.Driver)
		return 2
	}
	if err := copyFile(fs.Arg(0), cfg.Database.Path); err != nil {
		fmt.Fprintf(os.Stderr, "restore failed: %v\n", err)
		return 2
	}
	fmt.Printf("restored %s from %s\n", cfg.Database.Path, fs.Arg(0))
	return 0
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

// cmdDeploy is a thin client for POST /systems/deploy, for operators
// without direct database or container-engine access to the host.
func cmdDeploy(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("deploy", flag.ExitOnError)
	server := fs.String("server", "http://localhost:8080", "trinityd base URL")
	token := fs.String("token", os.Getenv("TRINITY_TOKEN"), "bearer token")
	fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: trinityctl deploy [-server url] [-token bearer] <manifest.json>")
		return 1
	}

	body, err := os.Open(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "read manifest: %v\n", err)
		return 2
	}
	defer body.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, *server+"/systems/deploy", body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build request: %v\n", err)
		return 2
	}
	req.Header.Set("Content-Type", "application/json")
	if *token != "" {
		req.Header.Set("Authorization", "Bearer "+*token)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "deploy request failed: %v\n", err)
		return 2
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	fmt.Println(string(respBody))
	if resp.StatusCode >= 300 {
		return 2
	}
	return 0
}

// cmdAgentAction is a thin client for POST /agents/{name}/start and
// POST /agents/{name}/stop, for operators without direct host access.
func cmdAgentAction(ctx context.Context, action string, args []string) int {
	fs := flag.NewFlagSet(action, flag.ExitOnError)
	server := fs.String("server", "http://localhost:8080", "trinityd base URL")
	token := fs.String("token", os.Getenv("TRINITY_TOKEN"), "bearer token")
	fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: trinityctl %s [-server url] [-token bearer] <agent-name>\n", action)
		return 1
	}

	url := fmt.Sprintf("%s/agents/%s/%s", *server, fs.Arg(0), action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build request: %v\n", err)
		return 2
	}
	if *token != "" {
		req.Header.Set("Authorization", "Bearer "+*token)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s request failed: %v\n", action, err)
		return 2
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	fmt.Println(string(respBody))
	if resp.StatusCode >= 300 {
		return 2
	}
	return 0
}
