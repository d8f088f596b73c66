package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "logsink"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage logsink configuration.

Running bare 'logsink config' is the same as 'logsink config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# logsink configuration
# See: logsink config show (for effective values and sources)

# State/data directory (default: ~/.config/logsink)
# state_dir: {{ .StateDir }}

db:
  # SQLite database path (default: ~/.config/logsink/logsink.db)
  # path: {{ .DBPath }}
  busy_timeout_ms: {{ .DBBusyTimeout }}

server:
  # HTTP listen port
  port: {{ .ServerPort }}

  # API key for write access; empty disables authentication
  api_key: ""

  cors:
    origin: "{{ .CORSOrigin }}"

storage:
  # Where extracted screenshots are stored
  # images_dir: {{ .ImagesDir }}
  max_image_size: {{ .MaxImageSize }}

# Anthropic-backed classification and duplicate refinement
llm:
  enabled: {{ .LLMEnabled }}
  # api_key: (or ANTHROPIC_API_KEY)
  # model: claude-sonnet-4-5

# Semantic deduplication via embeddings
embedding:
  enabled: {{ .EmbeddingEnabled }}
  # api_key: (or GEMINI_API_KEY)
  similarity_threshold: {{ .EmbeddingThreshold }}
  interval: {{ .EmbeddingInterval }}
  batch_size: {{ .EmbeddingBatchSize }}

cleanup:
  enabled: {{ .CleanupEnabled }}
  # Cron schedule, UTC
  schedule: "{{ .CleanupSchedule }}"
  # Closed issues older than this are deleted
  max_age: {{ .CleanupMaxAge }}
  duplicate_threshold: {{ .CleanupThreshold }}
  # Most recent issues scanned per application during reconciliation
  batch_size: {{ .CleanupBatchSize }}

blacklist:
  enabled: {{ .BlacklistEnabled }}
  # Auto-close matching open issues when a new pattern is added
  auto_delete: {{ .BlacklistAutoDelete }}
  cache_ttl: {{ .BlacklistCacheTTL }}

telemetry:
  enabled: {{ .TelemetryEnabled }}
  # exporter: stdout or otlp
  exporter: "{{ .TelemetryExporter }}"

log:
  level: "{{ .LogLevel }}"
`

type configTemplateData struct {
	StateDir            string
	DBPath              string
	DBBusyTimeout       int
	ServerPort          int
	CORSOrigin          string
	ImagesDir           string
	MaxImageSize        int64
	LLMEnabled          bool
	EmbeddingEnabled    bool
	EmbeddingThreshold  float64
	EmbeddingInterval   string
	EmbeddingBatchSize  int
	CleanupEnabled      bool
	CleanupSchedule     string
	CleanupMaxAge       string
	CleanupThreshold    float64
	CleanupBatchSize    int
	BlacklistEnabled    bool
	BlacklistAutoDelete bool
	BlacklistCacheTTL   string
	TelemetryEnabled    bool
	TelemetryExporter   string
	LogLevel            string
}

func configFilePath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if file already exists
	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	// Build template data from current viper values
	data := configTemplateData{
		StateDir:            viper.GetString("state_dir"),
		DBPath:              viper.GetString("db.path"),
		DBBusyTimeout:       viper.GetInt("db.busy_timeout_ms"),
		ServerPort:          viper.GetInt("server.port"),
		CORSOrigin:          viper.GetString("server.cors.origin"),
		ImagesDir:           viper.GetString("storage.images_dir"),
		MaxImageSize:        viper.GetInt64("storage.max_image_size"),
		LLMEnabled:          viper.GetBool("llm.enabled"),
		EmbeddingEnabled:    viper.GetBool("embedding.enabled"),
		EmbeddingThreshold:  viper.GetFloat64("embedding.similarity_threshold"),
		EmbeddingInterval:   viper.GetString("embedding.interval"),
		EmbeddingBatchSize:  viper.GetInt("embedding.batch_size"),
		CleanupEnabled:      viper.GetBool("cleanup.enabled"),
		CleanupSchedule:     viper.GetString("cleanup.schedule"),
		CleanupMaxAge:       viper.GetString("cleanup.max_age"),
		CleanupThreshold:    viper.GetFloat64("cleanup.duplicate_threshold"),
		CleanupBatchSize:    viper.GetInt("cleanup.batch_size"),
		BlacklistEnabled:    viper.GetBool("blacklist.enabled"),
		BlacklistAutoDelete: viper.GetBool("blacklist.auto_delete"),
		BlacklistCacheTTL:   viper.GetString("blacklist.cache_ttl"),
		TelemetryEnabled:    viper.GetBool("telemetry.enabled"),
		TelemetryExporter:   viper.GetString("telemetry.exporter"),
		LogLevel:            viper.GetString("log.level"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("template execute error: %w", err)
	}

	if dryRun {
		ui.DryRunMsg("Would create config file: %s", cfgPath)
		fmt.Fprintln(ui.Out)
		fmt.Fprint(ui.Out, buf.String())
		return nil
	}

	// Create config directory
	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(cfgPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, buf.String())
	return nil
}

// configKeyInfo describes a config key for display purposes.
type configKeyInfo struct {
	Key    string
	EnvVar string
}

var configKeys = []configKeyInfo{
	{Key: "state_dir", EnvVar: "LOGSINK_STATE_DIR"},
	{Key: "db.path", EnvVar: "LOGSINK_DB_PATH"},
	{Key: "db.busy_timeout_ms", EnvVar: "LOGSINK_DB_BUSY_TIMEOUT_MS"},
	{Key: "server.port", EnvVar: "LOGSINK_SERVER_PORT"},
	{Key: "server.api_key", EnvVar: "LOGSINK_SERVER_API_KEY"},
	{Key: "storage.images_dir", EnvVar: "LOGSINK_STORAGE_IMAGES_DIR"},
	{Key: "storage.max_image_size", EnvVar: "LOGSINK_STORAGE_MAX_IMAGE_SIZE"},
	{Key: "llm.enabled", EnvVar: "LOGSINK_LLM_ENABLED"},
	{Key: "llm.model", EnvVar: "LOGSINK_LLM_MODEL"},
	{Key: "embedding.enabled", EnvVar: "LOGSINK_EMBEDDING_ENABLED"},
	{Key: "embedding.similarity_threshold", EnvVar: "LOGSINK_EMBEDDING_SIMILARITY_THRESHOLD"},
	{Key: "embedding.interval", EnvVar: "LOGSINK_EMBEDDING_INTERVAL"},
	{Key: "embedding.batch_size", EnvVar: "LOGSINK_EMBEDDING_BATCH_SIZE"},
	{Key: "cleanup.enabled", EnvVar: "LOGSINK_CLEANUP_ENABLED"},
	{Key: "cleanup.schedule", EnvVar: "LOGSINK_CLEANUP_SCHEDULE"},
	{Key: "cleanup.max_age", EnvVar: "LOGSINK_CLEANUP_MAX_AGE"},
	{Key: "cleanup.duplicate_threshold", EnvVar: "LOGSINK_CLEANUP_DUPLICATE_THRESHOLD"},
	{Key: "cleanup.batch_size", EnvVar: "LOGSINK_CLEANUP_BATCH_SIZE"},
	{Key: "blacklist.enabled", EnvVar: "LOGSINK_BLACKLIST_ENABLED"},
	{Key: "blacklist.auto_delete", EnvVar: "LOGSINK_BLACKLIST_AUTO_DELETE"},
	{Key: "blacklist.cache_ttl", EnvVar: "LOGSINK_BLACKLIST_CACHE_TTL"},
	{Key: "lifecycle.plan_promotes", EnvVar: "LOGSINK_LIFECYCLE_PLAN_PROMOTES"},
	{Key: "telemetry.enabled", EnvVar: "LOGSINK_TELEMETRY_ENABLED"},
	{Key: "log.level", EnvVar: "LOGSINK_LOG_LEVEL"},
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if config file exists
	if _, err := os.Stat(cfgPath); err == nil {
		ui.Info("Config file: %s", cfgPath)
	} else {
		ui.Info("Config file: (none)")
	}
	fmt.Fprintln(ui.Out)

	// Read config file values to determine file source
	fileValues := readConfigFileValues(cfgPath)

	for _, k := range configKeys {
		val := viper.Get(k.Key)
		source := detectSource(k.Key, k.EnvVar, fileValues)
		fmt.Fprintf(ui.Out, "  %-32s %v  %s\n", k.Key, val, source)
	}

	return nil
}

// readConfigFileValues reads the raw YAML file and returns a flat map of keys present in it.
func readConfigFileValues(path string) map[string]bool {
	result := make(map[string]bool)

	data, err := os.ReadFile(path)
	if err != nil {
		return result
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return result
	}

	// Flatten nested keys with dot notation
	flattenKeys("", parsed, result)
	return result
}

// flattenKeys recursively flattens a nested map to dot-notation keys.
func flattenKeys(prefix string, m map[string]any, result map[string]bool) {
	for key, val := range m {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			flattenKeys(fullKey, nested, result)
		} else {
			result[fullKey] = true
		}
	}
}

// detectSource determines where a config value is coming from.
func detectSource(key, envVar string, fileValues map[string]bool) string {
	if _, ok := os.LookupEnv(envVar); ok {
		return fmt.Sprintf("(env: %s)", envVar)
	}
	if fileValues[key] {
		return "(file)"
	}
	return "(default)"
}

func configEditRun() error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set — set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'logsink config init' first)", cfgPath)
	}

	if dryRun {
		ui.DryRunMsg("Would open %s in %s", cfgPath, editor)
		return nil
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}
