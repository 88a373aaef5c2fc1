package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/schaermu/vaultbak/internal/config"
	"github.com/schaermu/vaultbak/internal/diffstat"
	"github.com/schaermu/vaultbak/internal/errs"
	"github.com/schaermu/vaultbak/internal/git"
	"github.com/schaermu/vaultbak/internal/runner"
	"github.com/schaermu/vaultbak/internal/status"
	"github.com/schaermu/vaultbak/internal/sync"
	"github.com/schaermu/vaultbak/internal/trigger"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
	dryRun    bool
	verbose   bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "vaultbak",
	Short: "Back up a directory to a git remote",
	Long: `vaultbak snapshots a directory into a detached git repository and pushes
it to a remote. The directory itself never becomes a git checkout, and an
existing checkout inside it is left alone.

Run it once (for example from a timer) or as a long-running trigger server.`,
	SilenceUsage: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Commit and push pending changes once",
	Long: `Sync fetches the remote, stages every file in the work tree that is not
ignored, and creates a commit only when at least one file changed. The commit
is pushed to the configured branch; the push is never forced.`,
	RunE: runSync,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show how many files would be committed",
	Long: `Status compares the work tree with the last backup commit without changing
the repository, the branch or the remote.`,
	RunE: runStatus,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run sync cycles on a schedule and on request",
	Long: `Serve performs a sync, then repeats it every serve.interval. When
serve.listen_addr is set (or a socket is passed by systemd) it also accepts
authenticated POST /sync requests and serves GET /status and /metrics.
With serve.watch enabled, changes in the work tree request a debounced sync.`,
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "vaultbak %s\n", version)
		_, _ = fmt.Fprintf(out, "  commit: %s\n", commit)
		_, _ = fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/vaultbak/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	syncCmd.Flags().BoolVar(&dryRun, "dry-run", false, "report pending changes without committing")
	statusCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "list changed files")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	if dryRun {
		return runStatus(cmd, args)
	}

	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	engine := newEngine(cfg, logger)

	logger.Info("starting sync operation")
	start := time.Now()
	res, err := engine.Run(ctx)
	elapsed := time.Since(start)
	if errors.Is(err, errs.ErrCycleInProgress) {
		printLine(cmd.OutOrStdout(), status.Changes(diffstat.ChangeSet{}, err))
		return nil
	}
	if err != nil {
		logger.Error("sync failed", "error", err, "duration", elapsed)
		return err
	}

	printLine(cmd.OutOrStdout(), fmt.Sprintf("%s (%s)", status.Cycle(res), elapsed.Round(time.Millisecond)))
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	cs, err := newEngine(cfg, logger).Status(ctx)
	if err != nil && !errors.Is(err, errs.ErrCycleInProgress) && !errors.Is(err, sync.ErrNotInitialized) {
		return err
	}

	out := cmd.OutOrStdout()
	printLine(out, status.Changes(cs, err))
	if verbose && err == nil && !cs.Empty() {
		printLine(out, status.Table(cs))
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ValidateForServe(); err != nil {
		return err
	}

	server, err := trigger.NewServer(cfg, newEngine(cfg, logger), logger)
	if err != nil {
		return err
	}
	return server.Start(ctx)
}

func newEngine(cfg *config.Config, logger *slog.Logger) *sync.Engine {
	gitClient := git.NewShellClient(cfg.Git.Binary, runner.NewExecRunner(), git.BaseEnv(), cfg.Auth.SSHKeyFile, cfg.Auth.HTTPSTokenFile)
	return sync.NewEngine(cfg, gitClient, sync.NewGuards(), logger)
}

func printLine(w io.Writer, s string) {
	_, _ = fmt.Fprintln(w, s)
}

func setupLogger() *slog.Logger {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// stdout carries command results.
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	configPath := cfgFile
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "vaultbak", "config.yaml")
	}

	logger.Debug("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"work_tree", cfg.Vault.WorkTree,
		"remote", cfg.Remote.URL,
		"branch", cfg.Remote.Branch,
		"auth", cfg.AuthMethod())

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
