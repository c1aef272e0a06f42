// Command sidecard is the per-workspace sidecar daemon: it loads a
// daemon config, opens one workspace, and exposes its orchestrator over
// a single JSON-RPC-over-WebSocket endpoint for exactly one local
// client.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vaultkit/sidecar/internal/buildinfo"
	"github.com/vaultkit/sidecar/internal/config"
	"github.com/vaultkit/sidecar/internal/defaults"
	"github.com/vaultkit/sidecar/internal/events"
	"github.com/vaultkit/sidecar/internal/installer"
	"github.com/vaultkit/sidecar/internal/keyring"
	"github.com/vaultkit/sidecar/internal/llm"
	"github.com/vaultkit/sidecar/internal/orchestrator"
	"github.com/vaultkit/sidecar/internal/plugin"
	"github.com/vaultkit/sidecar/internal/plugin/samples"
	"github.com/vaultkit/sidecar/internal/router"
	"github.com/vaultkit/sidecar/internal/rpc"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sidecard",
	Short: "Local per-workspace sidecar daemon",
	Long: `sidecard hosts one workspace's plugins and chat pipeline behind
a single WebSocket connection, speaking JSON-RPC 2.0 to whatever local
client starts it.`,
	Version: buildinfo.Version,
}

func init() {
	rootCmd.SetVersionTemplate(buildinfo.String() + "\n")

	rootCmd.PersistentFlags().String("config", "", "Path to daemon config file (searches defaults if unset)")
	rootCmd.PersistentFlags().String("log-level", "", "Override the configured log level (trace, debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the daemon for one workspace",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("vault", "", "Path to the workspace directory (required)")
	serveCmd.Flags().Int("ws-port", 0, "Port to bind the WebSocket/metrics listener on (required)")
	serveCmd.Flags().String("listen-addr", "", "Override the configured bind address")
	serveCmd.MarkFlagRequired("vault")
	serveCmd.MarkFlagRequired("ws-port")
}

var initCmd = &cobra.Command{
	Use:   "init DIR",
	Short: "Write a default daemon config and workspace config into DIR",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := args[0]
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}

		daemonPath := dir + "/sidecard.yaml"
		if _, err := os.Stat(daemonPath); err == nil {
			return fmt.Errorf("%s already exists", daemonPath)
		}
		if err := os.WriteFile(daemonPath, defaults.DaemonYAML, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", daemonPath, err)
		}

		vaultPath := dir + "/.vault.json"
		if _, err := os.Stat(vaultPath); err == nil {
			return fmt.Errorf("%s already exists", vaultPath)
		}
		if err := os.WriteFile(vaultPath, defaults.VaultJSON, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", vaultPath, err)
		}

		fmt.Printf("Wrote %s and %s\n", daemonPath, vaultPath)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version and build information",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(buildinfo.String())
		return nil
	},
}

func runServe(cmd *cobra.Command, args []string) error {
	explicitConfig, _ := cmd.Flags().GetString("config")
	logLevelOverride, _ := cmd.Flags().GetString("log-level")
	vaultPath, _ := cmd.Flags().GetString("vault")
	wsPort, _ := cmd.Flags().GetInt("ws-port")
	listenAddrOverride, _ := cmd.Flags().GetString("listen-addr")

	daemonCfg := config.DefaultDaemon()
	if path, err := config.FindConfig(explicitConfig); err == nil {
		loaded, err := config.LoadDaemon(path)
		if err != nil {
			return fmt.Errorf("loading daemon config %s: %w", path, err)
		}
		daemonCfg = loaded
	} else if explicitConfig != "" {
		return err
	}

	levelSource := daemonCfg.LogLevel
	if logLevelOverride != "" {
		levelSource = logLevelOverride
	}
	level, err := config.ParseLogLevel(levelSource)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
	slog.SetDefault(logger)

	if info, err := os.Stat(vaultPath); err != nil || !info.IsDir() {
		return fmt.Errorf("workspace path %q is not a directory", vaultPath)
	}

	keyringSvc := keyring.NewEnvService()
	collaborator := buildCollaborator(daemonCfg, logger)
	installerSvc := installer.NewHTTPInstaller(daemonCfg.PluginsDir, os.Getenv("GITHUB_TOKEN"))

	pluginRegistry := plugin.NewRegistry()
	pluginRegistry.Register("memory", samples.NewMemory)
	pluginRegistry.Register("chat_branches", samples.NewBranches)
	pluginRegistry.Register("titler", samples.NewTitler(collaborator))

	server := rpc.NewServer(nil, logger)

	orch, err := orchestrator.New(cmd.Context(), orchestrator.Deps{
		VaultPath:      vaultPath,
		PluginsDir:     daemonCfg.PluginsDir,
		Daemon:         daemonCfg,
		PluginRegistry: pluginRegistry,
		Frontend:       server,
		Collaborator:   collaborator,
		Keyring:        keyringSvc,
		Installer:      installerSvc,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("starting orchestrator: %w", err)
	}
	server.SetDispatcher(orch.Execute)

	tickCtx, stopTicks := context.WithCancel(cmd.Context())
	defer stopTicks()
	go func() {
		ticker := time.NewTicker(time.Duration(daemonCfg.TickSec) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-tickCtx.Done():
				return
			case <-ticker.C:
				orch.Bus().Publish(tickCtx, events.Tick, nil)
			}
		}
	}()

	addr := listenAddrOverride
	if addr == "" {
		addr = daemonCfg.Listen.Address
	}
	listenAddr := fmt.Sprintf("%s:%d", addr, wsPort)

	mux := http.NewServeMux()
	mux.Handle("/ws", server)
	mux.Handle("/metrics", orch.MetricsHandler())

	httpServer := &http.Server{
		Addr:              listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("sidecard listening", "addr", listenAddr, "vault", vaultPath)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Error("listener failed", "error", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown did not complete cleanly", "error", err)
	}
	orch.Shutdown(shutdownCtx)

	logger.Info("sidecard stopped")
	return nil
}

// buildCollaborator assembles the kernel's Collaborator from daemon
// config: Ollama is always wired as the local/fallback provider, and
// Anthropic is layered in as an additional named provider only when an
// API key is configured, mirroring the original's graceful-degradation
// behavior with no cloud credentials present.
func buildCollaborator(cfg *config.DaemonConfig, logger *slog.Logger) llm.Collaborator {
	ollama := llm.NewOllamaClient(cfg.Models.OllamaURL, logger)

	multi := llm.NewMultiClient(ollama)
	multi.AddProvider("ollama", ollama)

	if cfg.Anthropic.Configured() {
		anthropic := llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger)
		multi.AddProvider("anthropic", anthropic)
		multi.AddProvider("anthropic-sdk", llm.NewSDKAnthropicClient(cfg.Anthropic.APIKey, "", 0, logger))
	}
	for _, m := range cfg.Models.Available {
		multi.AddModel(m.Name, m.Provider)
	}

	routerModels := make([]router.Model, 0, len(cfg.Models.Available))
	for _, m := range cfg.Models.Available {
		complexity := router.ComplexitySimple
		switch m.MinComplexity {
		case "moderate":
			complexity = router.ComplexityModerate
		case "complex":
			complexity = router.ComplexityComplex
		}
		routerModels = append(routerModels, router.Model{
			Name:          m.Name,
			Provider:      m.Provider,
			SupportsTools: m.SupportsTools,
			ContextWindow: m.ContextWindow,
			Speed:         m.Speed,
			Quality:       m.Quality,
			CostTier:      m.CostTier,
			MinComplexity: complexity,
		})
	}
	r := router.NewRouter(logger, router.Config{
		Models:       routerModels,
		DefaultModel: cfg.Models.Default,
		LocalFirst:   cfg.Models.LocalFirst,
	})

	return llm.NewClientCollaborator(multi, r, nil)
}
