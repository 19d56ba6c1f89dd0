package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/basket/dotclaw/internal/config"
	"github.com/basket/dotclaw/internal/host"
	"github.com/basket/dotclaw/internal/otel"
	"github.com/basket/dotclaw/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = otel.Version

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                          Run the assistant host (foreground)
  %s -home <dir>              Use a custom home directory
  %s -version                 Print version and exit

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  DOTCLAW_HOME              Home directory (default: ~/.dotclaw)
  DOTCLAW_TELEGRAM_TOKEN    Telegram bot token (overrides config.yaml)
  ANTHROPIC_API_KEY         Passed through to agent sandboxes
`)
}

func main() {
	loadDotEnv(".env")

	homeFlag := flag.String("home", "", "home directory (default: $DOTCLAW_HOME or ~/.dotclaw)")
	quiet := flag.Bool("quiet", false, "log to file only, keep stdout clean")
	version := flag.Bool("version", false, "print version and exit")
	flag.Usage = printUsage
	flag.Parse()

	if *version {
		fmt.Println("dotclaw", Version)
		return
	}

	homeDir := *homeFlag
	if homeDir == "" {
		homeDir = os.Getenv("DOTCLAW_HOME")
	}

	cfg, err := config.Load(homeDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, *quiet || cfg.Quiet)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logging:", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h, err := host.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	if err := h.Run(ctx); err != nil {
		logger.Error("host exited with error", "error", err)
		os.Exit(1)
	}
}

// loadDotEnv applies KEY=VALUE lines from path without overriding
// variables already set in the environment.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
