package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/logsink/logsink/internal/blacklist"
	"github.com/logsink/logsink/internal/images"
	"github.com/logsink/logsink/internal/lifecycle"
	"github.com/logsink/logsink/internal/output"
	"github.com/logsink/logsink/internal/store"
)

// Set from main via Execute.
var (
	buildVersion = "dev"
	buildCommit  = "none"
	buildDate    = "unknown"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui        *output.UI
	dataStore store.Store

	verbose bool
	dryRun  bool
)

var rootCmd = &cobra.Command{
	Use:   "logsink",
	Short: "Issue sink - collect application logs and track them as issues",
	Long: `logsink collects error logs from applications and turns them into
trackable issues: incoming logs are screened against a blacklist,
deduplicated, and driven through a fix lifecycle. A background worker
merges semantic duplicates and a scheduler prunes old data.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would happen without making changes")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/logsink/config.yaml)")

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "logsink %s (commit %s, built %s)\n", buildVersion, buildCommit, buildDate)
	},
}

func initConfig() {
	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}

		configDir := filepath.Join(home, ".config", "logsink")
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("LOGSINK")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Defaults via viper.SetDefault()
	home, _ := os.UserHomeDir()
	defaultStateDir := filepath.Join(home, ".config", "logsink")

	viper.SetDefault("state_dir", defaultStateDir)
	viper.SetDefault("db.path", filepath.Join(defaultStateDir, "logsink.db"))
	viper.SetDefault("db.busy_timeout_ms", 5000)

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.api_key", "")
	viper.SetDefault("server.cors.origin", "*")
	viper.SetDefault("server.cors.methods", "")
	viper.SetDefault("server.cors.headers", "")

	viper.SetDefault("storage.images_dir", filepath.Join(defaultStateDir, "images"))
	viper.SetDefault("storage.max_image_size", 10*1024*1024)
	viper.SetDefault("storage.allowed_image_types", []string{})

	viper.SetDefault("llm.enabled", false)
	viper.SetDefault("llm.api_key", "")
	viper.SetDefault("llm.model", "")
	viper.SetDefault("llm.max_tokens", 0)
	viper.SetDefault("llm.temperature", 0.0)

	viper.SetDefault("embedding.enabled", false)
	viper.SetDefault("embedding.api_key", "")
	viper.SetDefault("embedding.model", "")
	viper.SetDefault("embedding.base_url", "")
	viper.SetDefault("embedding.similarity_threshold", 0.85)
	viper.SetDefault("embedding.interval", "2m")
	viper.SetDefault("embedding.batch_size", 20)
	viper.SetDefault("embedding.requests_per_minute", 60)
	viper.SetDefault("embedding.timeout", "30s")

	viper.SetDefault("lifecycle.plan_promotes", false)

	viper.SetDefault("cleanup.enabled", true)
	viper.SetDefault("cleanup.schedule", "0 2 * * *")
	viper.SetDefault("cleanup.max_age", "720h")
	viper.SetDefault("cleanup.duplicate_threshold", 0.85)
	viper.SetDefault("cleanup.concurrency", 4)
	viper.SetDefault("cleanup.batch_size", 100)

	viper.SetDefault("blacklist.enabled", true)
	viper.SetDefault("blacklist.auto_delete", false)
	viper.SetDefault("blacklist.cache_ttl", "5m")

	viper.SetDefault("telemetry.enabled", false)
	viper.SetDefault("telemetry.exporter", "stdout")
	viper.SetDefault("telemetry.endpoint", "")

	viper.SetDefault("log.level", "info")

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	ui.DryRun = dryRun

	// The store is opened lazily so config/version commands run without a db.
}

// newLogger builds a console zerolog logger at the configured level.
func newLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(viper.GetString("log.level"))
	if err != nil {
		level = zerolog.InfoLevel
	}
	if verbose && level > zerolog.DebugLevel {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()
}

// getStore returns the shared store, initializing it on first call.
func getStore() (store.Store, error) {
	if dataStore != nil {
		return dataStore, nil
	}

	dbPath := viper.GetString("db.path")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	s, err := store.NewSQLiteStore(dbPath, viper.GetInt("db.busy_timeout_ms"))
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

// newImageStore builds the screenshot store from config.
func newImageStore(logger zerolog.Logger) (*images.FileStore, error) {
	return images.NewFileStore(
		viper.GetString("storage.images_dir"),
		viper.GetInt64("storage.max_image_size"),
		viper.GetStringSlice("storage.allowed_image_types"),
		logger,
	)
}

// newBlacklistService builds the blacklist cache and service from config.
// The closer handles auto-close transitions; pass the lifecycle engine.
func newBlacklistService(s store.Store, closer blacklist.IssueCloser, logger zerolog.Logger) *blacklist.Service {
	cache := blacklist.NewCache(s, viper.GetDuration("blacklist.cache_ttl"), logger)
	return blacklist.NewService(s, cache, viper.GetBool("blacklist.auto_delete"), closer, logger)
}

// newEngine builds the lifecycle engine.
func newEngine(s store.Store, imgs *images.FileStore, logger zerolog.Logger) *lifecycle.Engine {
	return lifecycle.NewEngine(s, imgs, viper.GetBool("lifecycle.plan_promotes"), logger)
}

// admissionBlacklist returns the blacklist the admission pipeline should
// consult, or nil when the check is disabled by config. CRUD on patterns
// keeps working either way.
func admissionBlacklist(bl *blacklist.Service) *blacklist.Service {
	if !viper.GetBool("blacklist.enabled") {
		return nil
	}
	return bl
}
