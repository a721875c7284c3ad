package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/joescharf/devloop/internal/config"
	"github.com/joescharf/devloop/internal/devloop"
	"github.com/joescharf/devloop/internal/llm"
	"github.com/joescharf/devloop/internal/output"
	"github.com/joescharf/devloop/internal/store"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui        *output.UI
	logger    *slog.Logger
	dataStore store.Store
	service   *devloop.Service

	verbose bool
	dryRun  bool
)

var rootCmd = &cobra.Command{
	Use:   "devloop",
	Short: "AI-assisted edit loop for a dev/prod web project",
	Long: `devloop applies AI-proposed file edits and shell commands to a
frontend and a backend dev workspace, keeps their dev servers running,
and promotes approved changes to prod through git.

Each batch of edits opens a round. Resolve it with approve, rollback,
undo or confirm before asking for more.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	err := rootCmd.Execute()
	if dataStore != nil {
		_ = dataStore.Close()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would happen without making changes")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/devloop/config.yaml)")
}

func initConfig() {
	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		dir, err := configDirFunc()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}
		viper.AddConfigPath(dir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("DEVLOOP")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	stateDir, _ := configDirFunc()
	config.SetDefaults(viper.GetViper(), stateDir)

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	ui.DryRun = dryRun

	logger = newLogger(verbose)
	slog.SetDefault(logger)

	// Store and service are opened lazily so config and version run
	// without a database or workspaces.
}

// newLogger writes text to an interactive stderr and JSON otherwise.
func newLogger(debug bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if debug {
		opts.Level = slog.LevelDebug
	}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// getStore returns the shared store, initializing it on first call.
func getStore() (store.Store, error) {
	if dataStore != nil {
		return dataStore, nil
	}

	dbPath := viper.GetString("db_path")
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := s.Migrate(rootCmd.Context()); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	dataStore = s
	return dataStore, nil
}

// loadConfig resolves the effective configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, fmt.Errorf("invalid configuration (see 'devloop config show'):\n%w", err)
	}
	return cfg, nil
}

// getService returns the shared service, building it on first call.
func getService(cmd *cobra.Command) (*devloop.Service, error) {
	if service != nil {
		return service, nil
	}
	svc, err := buildService(cmd.Context())
	if err != nil {
		return nil, err
	}
	service = svc
	return service, nil
}

// buildService assembles a service from the current viper state, sharing
// the open store.
func buildService(ctx context.Context) (*devloop.Service, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	s, err := getStore()
	if err != nil {
		return nil, err
	}

	deps := devloop.Deps{Store: s, Logger: logger}
	if cfg.Anthropic.APIKey != "" {
		deps.Generator = llm.NewClient(cfg.Anthropic.APIKey, cfg.Anthropic.Model, cfg.Anthropic.MaxTokens)
	} else {
		ui.VerboseLog("anthropic.api_key not set; ask is unavailable")
	}

	svc, err := devloop.New(cfg, deps)
	if err != nil {
		return nil, err
	}
	if err := svc.SyncRemotes(ctx); err != nil {
		ui.Warning("Could not sync git remotes: %v", err)
	}
	return svc, nil
}

// reloadService re-reads the config file and replaces the shared service.
func reloadService(ctx context.Context) (*devloop.Service, error) {
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	svc, err := buildService(ctx)
	if err != nil {
		return nil, err
	}
	service = svc
	return service, nil
}
