package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/dumpsys/internal/api"
	"github.com/mattjoyce/dumpsys/internal/auth"
	"github.com/mattjoyce/dumpsys/internal/config"
	"github.com/mattjoyce/dumpsys/internal/doctor"
	"github.com/mattjoyce/dumpsys/internal/dumpsys"
	"github.com/mattjoyce/dumpsys/internal/history"
	"github.com/mattjoyce/dumpsys/internal/hub"
	"github.com/mattjoyce/dumpsys/internal/lock"
	"github.com/mattjoyce/dumpsys/internal/log"
	"github.com/mattjoyce/dumpsys/internal/storage"
	"github.com/mattjoyce/dumpsys/internal/tui"
)

// runDump dumps one service. With --count above 1 the service is bound once
// and dumped repeatedly on the same worker.
func runDump(args []string) int {
	fs := flag.NewFlagSet("dump", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	count := fs.Int("count", 1, "Number of dumps to take")
	interval := fs.Duration("interval", time.Second, "Delay between repeated dumps")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: dumpsys dump [--config PATH] [--count N] [--interval D] <service> [args...]")
		return 1
	}
	if *count < 1 {
		fmt.Fprintln(os.Stderr, "Error: --count must be at least 1")
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	h, err := hub.FromConfig(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build services: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	name, dumpArgs := fs.Arg(0), fs.Args()[1:]

	if *count == 1 {
		out, err := dumpsys.Dump(ctx, h, name, dumpArgs, workerOptions(cfg)...)
		return reportDump(name, out, err)
	}

	b, err := dumpsys.NewBound(ctx, h, name, workerOptions(cfg)...)
	if err != nil {
		return reportDump(name, "", err)
	}
	defer b.Close()

	for i := 0; i < *count; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return 130
			case <-time.After(*interval):
			}
		}
		out, err := b.Dump(dumpArgs...)
		if code := reportDump(name, out, err); code != 0 {
			return code
		}
	}
	return 0
}

func reportDump(name, out string, err error) int {
	var statusErr *dumpsys.StatusError
	switch {
	case err == nil:
		fmt.Print(out)
		return 0
	case errors.Is(err, dumpsys.ErrServiceNotExist):
		fmt.Fprintf(os.Stderr, "Can't find service: %s\n", name)
	case errors.As(err, &statusErr):
		if statusErr.Output != "" {
			fmt.Print(statusErr.Output)
		}
		fmt.Fprintf(os.Stderr, "Error dumping service %s: %s\n", name, statusErr.Code)
	default:
		fmt.Fprintf(os.Stderr, "Error dumping service %s: %v\n", name, err)
	}
	return 1
}

func runList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	h, err := hub.FromConfig(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build services: %v\n", err)
		return 1
	}

	fmt.Println("Currently running services:")
	for _, name := range h.Names() {
		fmt.Printf("  %s\n", name)
	}
	return 0
}

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	listen := fs.String("listen", "", "Override api.listen")
	preload := fs.Bool("preload", true, "Insert every configured service at startup")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if *listen != "" {
		cfg.API.Listen = *listen
	}
	if cfg.API.APIKey == "" && len(cfg.API.Tokens) == 0 {
		fmt.Fprintln(os.Stderr, "Error: api.api_key or api.tokens must be configured to serve")
		return 1
	}

	logger := log.WithComponent("main")
	logger.Info("dumpsys starting", "version", version, "config", cfg.SourcePath)

	pidLock, err := lock.Acquire(cfg.Service.LockPath)
	if err != nil {
		logger.Error("failed to acquire lock (another server may be running)", "path", cfg.Service.LockPath, "error", err)
		return 1
	}
	defer pidLock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStack(ctx, cfg)
	if err != nil {
		logger.Error("failed to start", "error", err)
		return 1
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := st.Close(closeCtx); err != nil {
			logger.Error("shutdown incomplete", "error", err)
		}
	}()

	if *preload {
		for _, name := range cfg.ServiceNames() {
			if _, err := st.gateway.Insert(ctx, name); err != nil {
				logger.Warn("service not inserted", "service", name, "error", err)
			}
		}
	}

	tokens := make([]auth.Token, 0, len(cfg.API.Tokens))
	for _, t := range cfg.API.Tokens {
		tokens = append(tokens, auth.Token{Token: t.Token, Scopes: t.Scopes})
	}
	srv := api.New(api.Config{
		Listen: cfg.API.Listen,
		APIKey: cfg.API.APIKey,
		Tokens: tokens,
	}, st.gateway, log.WithComponent("api"),
		api.WithEvents(st.events),
		api.WithMetrics(st.metrics.Handler()),
	)

	if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("API server failed", "error", err)
		return 1
	}
	logger.Info("dumpsys stopped")
	return 0
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	interval := fs.Duration("interval", tui.DefaultInterval, "Refresh interval")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: dumpsys watch [--config PATH] [--interval D] <service> [args...]")
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	ctx := context.Background()
	st, err := openStack(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		return 1
	}
	defer func() { _ = st.Close(ctx) }()

	name := fs.Arg(0)
	if _, err := st.gateway.Insert(ctx, name); err != nil {
		fmt.Fprintf(os.Stderr, "Can't find service: %s\n", name)
		return 1
	}

	p := tea.NewProgram(tui.New(st.gateway, name, fs.Args()[1:], *interval))
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

func runHistory(args []string) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	service := fs.String("service", "", "Only show dumps of this service")
	limit := fs.Int("limit", history.DefaultListLimit, "Maximum entries to show")
	id := fs.String("id", "", "Show a single entry")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if !cfg.History.Enabled {
		fmt.Fprintln(os.Stderr, "Error: history is disabled (set history.enabled: true)")
		return 1
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.History.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open history: %v\n", err)
		return 1
	}
	defer db.Close()
	store := history.NewStore(db)

	var entries []*history.Entry
	if *id != "" {
		e, err := store.Get(ctx, *id)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		entries = []*history.Entry{e}
	} else {
		entries, err = store.List(ctx, *service, *limit)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(entries); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		return 0
	}

	for _, e := range entries {
		fmt.Printf("%s  %s  %-20s %-9s %-18s %8dB\n",
			e.ID, e.CompletedAt.Local().Format(time.DateTime), e.Service, e.Outcome, e.StatusCode.String(), e.Bytes)
	}
	return 0
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: dumpsys config <check|hash-update|verify> [--config PATH]")
		return 1
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "check":
		return runConfigCheck(actionArgs)
	case "hash-update":
		return runConfigHashUpdate(actionArgs)
	case "verify":
		return runConfigVerify(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

// resolveConfigFile finds the config file for the config noun, which needs
// a file on disk rather than defaults.
func resolveConfigFile(explicit string) (string, error) {
	path, err := config.Discover(explicit)
	if err != nil {
		return "", err
	}
	if path == "" {
		return "", errors.New("no config file found")
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, "config.yaml")
	}
	return path, nil
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	result := doctor.New(cfg).Check()
	if *jsonOut {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(out)
	} else {
		fmt.Print(doctor.FormatHuman(result))
	}
	if !result.Valid {
		return 1
	}
	return 0
}

func runConfigHashUpdate(args []string) int {
	fs := flag.NewFlagSet("hash-update", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	dryRun := fs.Bool("dry-run", false, "Print the hash without writing .checksums")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	path, err := resolveConfigFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if _, err := config.Parse(data); err != nil {
		fmt.Fprintf(os.Stderr, "Refusing to pin an invalid config: %v\n", err)
		return 1
	}

	manifest, err := config.GenerateChecksums(path, *dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	for name, hash := range manifest.Hashes {
		fmt.Printf("%s  %s\n", hash, name)
	}
	if *dryRun {
		fmt.Println("Dry run: .checksums not written")
	}
	return 0
}

func runConfigVerify(args []string) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	path, err := resolveConfigFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if err := config.VerifyChecksums(path); err != nil {
		if errors.Is(err, config.ErrNoChecksums) {
			fmt.Fprintln(os.Stderr, "No .checksums found; run 'dumpsys config hash-update'")
			return 1
		}
		fmt.Fprintf(os.Stderr, "Integrity check failed: %v\n", err)
		return 1
	}
	fmt.Println("OK")
	return 0
}
