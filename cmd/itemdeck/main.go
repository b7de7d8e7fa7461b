// Package main is the entry point for the itemdeck plugin host.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/itemdeck/itemdeck/internal/config"
	"github.com/itemdeck/itemdeck/internal/plugin"
	"github.com/itemdeck/itemdeck/internal/plugin/apiver"
	"github.com/itemdeck/itemdeck/internal/plugin/hostops"
	"github.com/itemdeck/itemdeck/internal/plugin/security"
	"github.com/itemdeck/itemdeck/internal/plugin/trust"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath  string
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.StringVar(&configPath, "c", "", "Path to configuration file (shorthand)")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.Parse()

	if showVersion {
		fmt.Printf("itemdeck %s (%s)\n", version, commit)
		return 0
	}

	if configPath == "" {
		configPath = config.DefaultPath()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)

	ops := hostops.NewService(hostops.WithLogger(log))
	runtime, err := plugin.NewRuntime(plugin.RuntimeConfig{
		Policy:         trust.NewPolicy(trust.DefaultRestrictionsTable()),
		Permissions:    security.NewManager(),
		Limiter:        security.NewLimiter(security.WithWindow(cfg.Plugins.RateWindow)),
		Registry:       apiver.DefaultRegistry(ops, log),
		Ops:            ops,
		Consent:        consentFunc(cfg.Plugins.ConsentMode),
		RequestTimeout: cfg.Plugins.RequestTimeout,
		HostVersion:    cfg.Version,
		Logger:         log,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer runtime.DestroyAll()

	runtime.Subscribe(func(e plugin.Event) {
		if e.Type == plugin.EventError {
			log.Warn("plugin event", "event", e.Type.String(), "plugin", e.PluginID, "err", e.Err)
			return
		}
		log.Info("plugin event", "event", e.Type.String(), "plugin", e.PluginID)
	})

	loader := plugin.NewLoader(
		plugin.WithDir(trust.ProvenanceBundled, cfg.Plugins.BundledDir),
		plugin.WithDir(trust.ProvenanceRegistry, cfg.Plugins.RegistryDir),
		plugin.WithDir(trust.ProvenanceUser, cfg.Plugins.UserDir),
		plugin.WithLoaderLogger(log),
	)
	loaded := loader.LoadAll(runtime)
	log.Info("plugins loaded", "count", loaded)

	if cfg.Plugins.Watch {
		watcher, err := plugin.NewWatcher(loader, runtime, plugin.WithWatcherLogger(log))
		if err != nil {
			log.Warn("plugin watching disabled", "err", err)
		} else {
			defer watcher.Close()
		}
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	<-signals

	log.Info("shutting down")
	return 0
}

// newLogger builds the process logger at the configured level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

// consentFunc maps the configured consent mode to a ConsentFunc.
// "prompt" asks once per plugin on the terminal.
func consentFunc(mode string) plugin.ConsentFunc {
	switch mode {
	case "grant":
		return func(*plugin.Manifest, []security.Action) bool { return true }
	case "deny":
		return func(*plugin.Manifest, []security.Action) bool { return false }
	default:
		return promptConsent
	}
}

func promptConsent(m *plugin.Manifest, actions []security.Action) bool {
	names := make([]string, len(actions))
	for i, a := range actions {
		if info, ok := security.GetActionInfo(a); ok {
			names[i] = fmt.Sprintf("%s (%s)", info.DisplayName, info.Risk)
		} else {
			names[i] = string(a)
		}
	}

	fmt.Printf("%s requests: %s\nAllow? [y/N] ", m, strings.Join(names, ", "))
	reader := bufio.NewReader(os.Stdin)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}
