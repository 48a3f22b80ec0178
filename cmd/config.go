package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"
	"time"

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
	return filepath.Join(home, ".config", "yoke"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage yoke configuration.

Running bare 'yoke config' is the same as 'yoke config show'.`,
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
const configTemplate = `# yoke configuration
# See: yoke config show (for effective values and sources)

# State/data directory (default: ~/.config/yoke)
# state_dir: {{ .StateDir }}

# SQLite database path (default: ~/.config/yoke/yoke.db)
# db_path: {{ .DBPath }}

# HTTP API port for 'yoke serve'
port: {{ .Port }}

log:
  # debug, info, warn or error
  level: "{{ .LogLevel }}"

# Default models; a project's own settings take precedence
models:
  initializer: "{{ .InitializerModel }}"
  coding: "{{ .CodingModel }}"

# Agent CLI invoked for every session
agent:
  command: "{{ .AgentCommand }}"

orchestrator:
  # Pause between sessions of the auto-continue loop (reloaded live by serve)
  auto_continue_delay: {{ .AutoContinueDelay }}
  # How often a running session records that it is alive
  heartbeat_interval: {{ .HeartbeatInterval }}
  # Wall-clock limit per session, 0s disables it
  session_timeout: {{ .SessionTimeout }}

intervention:
  # Recovery attempts per blocker class before the session pauses
  retry_limit: {{ .RetryLimit }}

reaper:
  interval: {{ .ReaperInterval }}
  # Running sessions silent for longer are interrupted (reloaded live by serve)
  stale_threshold: {{ .StaleThreshold }}
  # Spare stale sessions whose agent process is still alive in the project dir
  detect_agents: {{ .DetectAgents }}

review:
  # Deep review every N coding sessions
  interval: {{ .ReviewInterval }}
  # Quick ratings below this trigger a deep review
  quality_threshold: {{ .QualityThreshold }}
  model: "{{ .ReviewModel }}"

# Deep reviews need an API key; ANTHROPIC_API_KEY is used when unset
# anthropic:
#   api_key: ""
`

type configTemplateData struct {
	StateDir          string
	DBPath            string
	Port              int
	LogLevel          string
	InitializerModel  string
	CodingModel       string
	AgentCommand      string
	AutoContinueDelay time.Duration
	HeartbeatInterval time.Duration
	SessionTimeout    time.Duration
	RetryLimit        int
	ReaperInterval    time.Duration
	StaleThreshold    time.Duration
	DetectAgents      bool
	ReviewInterval    int
	QualityThreshold  int
	ReviewModel       string
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
		StateDir:          viper.GetString("state_dir"),
		DBPath:            viper.GetString("db_path"),
		Port:              viper.GetInt("port"),
		LogLevel:          viper.GetString("log.level"),
		InitializerModel:  viper.GetString("models.initializer"),
		CodingModel:       viper.GetString("models.coding"),
		AgentCommand:      viper.GetString("agent.command"),
		AutoContinueDelay: viper.GetDuration("orchestrator.auto_continue_delay"),
		HeartbeatInterval: viper.GetDuration("orchestrator.heartbeat_interval"),
		SessionTimeout:    viper.GetDuration("orchestrator.session_timeout"),
		RetryLimit:        viper.GetInt("intervention.retry_limit"),
		ReaperInterval:    viper.GetDuration("reaper.interval"),
		StaleThreshold:    viper.GetDuration("reaper.stale_threshold"),
		DetectAgents:      viper.GetBool("reaper.detect_agents"),
		ReviewInterval:    viper.GetInt("review.interval"),
		QualityThreshold:  viper.GetInt("review.quality_threshold"),
		ReviewModel:       viper.GetString("review.model"),
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
	{Key: "state_dir", EnvVar: "YOKE_STATE_DIR"},
	{Key: "db_path", EnvVar: "YOKE_DB_PATH"},
	{Key: "port", EnvVar: "YOKE_PORT"},
	{Key: "log.level", EnvVar: "YOKE_LOG_LEVEL"},
	{Key: "models.initializer", EnvVar: "YOKE_MODELS_INITIALIZER"},
	{Key: "models.coding", EnvVar: "YOKE_MODELS_CODING"},
	{Key: "agent.command", EnvVar: "YOKE_AGENT_COMMAND"},
	{Key: "orchestrator.auto_continue_delay", EnvVar: "YOKE_ORCHESTRATOR_AUTO_CONTINUE_DELAY"},
	{Key: "orchestrator.heartbeat_interval", EnvVar: "YOKE_ORCHESTRATOR_HEARTBEAT_INTERVAL"},
	{Key: "orchestrator.session_timeout", EnvVar: "YOKE_ORCHESTRATOR_SESSION_TIMEOUT"},
	{Key: "intervention.retry_limit", EnvVar: "YOKE_INTERVENTION_RETRY_LIMIT"},
	{Key: "recovery.action_timeout", EnvVar: "YOKE_RECOVERY_ACTION_TIMEOUT"},
	{Key: "reaper.interval", EnvVar: "YOKE_REAPER_INTERVAL"},
	{Key: "reaper.stale_threshold", EnvVar: "YOKE_REAPER_STALE_THRESHOLD"},
	{Key: "reaper.detect_agents", EnvVar: "YOKE_REAPER_DETECT_AGENTS"},
	{Key: "review.interval", EnvVar: "YOKE_REVIEW_INTERVAL"},
	{Key: "review.quality_threshold", EnvVar: "YOKE_REVIEW_QUALITY_THRESHOLD"},
	{Key: "review.model", EnvVar: "YOKE_REVIEW_MODEL"},
	{Key: "notify.buffer_size", EnvVar: "YOKE_NOTIFY_BUFFER_SIZE"},
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
		fmt.Fprintf(ui.Out, "  %-34s %v  %s\n", k.Key, val, source)
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
		return fmt.Errorf("$EDITOR is not set, set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'yoke config init' first)", cfgPath)
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
