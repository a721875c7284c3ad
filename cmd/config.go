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
	return filepath.Join(home, ".config", "devloop"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage devloop configuration.

Running bare 'devloop config' is the same as 'devloop config show'.`,
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
const configTemplate = `# devloop configuration
# See: devloop config show (for effective values and sources)

# State directory for the database and server PID files (default: ~/.config/devloop)
# state_dir: {{ .StateDir }}

# SQLite database path (default: ~/.config/devloop/devloop.db)
# db_path: {{ .DBPath }}

# Workspace roots. dev and backend_dev are required; prod is needed by approve.
workspaces:
  dev: "{{ .Dev }}"
  backend_dev: "{{ .BackendDev }}"
  prod: "{{ .Prod }}"
  # Workspace served by the dev server (dev or backend_dev)
  primary: "{{ .Primary }}"

# Supervised servers. {host} and {port} are substituted into commands.
servers:
  host: "{{ .Host }}"
  dev:
    port: {{ .DevPort }}
    command: "{{ .DevCommand }}"
    # Appended to the dev command for a forced (cache-clearing) start
    force_args: "{{ .DevForceArgs }}"
  backend:
    port: {{ .BackendPort }}
    command: "{{ .BackendCommand }}"
  start_timeout: {{ .StartTimeout }}
  stop_grace: {{ .StopGrace }}

# Promotion
git:
  remote: "{{ .Remote }}"
  # When set, dev and prod remotes are pointed here on startup
  remote_url: "{{ .RemoteURL }}"
  branch: "{{ .Branch }}"
  commit_message: "{{ .CommitMessage }}"

# Dependency installs after the manifest changes
deps:
  # One file name for every workspace, or a map per workspace:
  #   manifest:
  #     dev: package.json
  #     backend_dev: requirements.txt
  manifest: "{{ .Manifest }}"
  install_command: "{{ .InstallCommand }}"
  # setup installs only where this directory is missing
  install_dir: "{{ .InstallDir }}"

# Project description used when prompting
project:
  framework: "{{ .Framework }}"
  wordpress_api: {{ .WordPressAPI }}

# AI provider
anthropic:
  # Prefer DEVLOOP_ANTHROPIC_API_KEY in the environment
  api_key: ""
  model: "{{ .Model }}"

# REST API port for 'devloop serve'
port: {{ .Port }}
`

type configTemplateData struct {
	StateDir       string
	DBPath         string
	Dev            string
	BackendDev     string
	Prod           string
	Primary        string
	Host           string
	DevPort        int
	DevCommand     string
	DevForceArgs   string
	BackendPort    int
	BackendCommand string
	StartTimeout   string
	StopGrace      string
	Remote         string
	RemoteURL      string
	Branch         string
	CommitMessage  string
	Manifest       string
	InstallCommand string
	InstallDir     string
	Framework      string
	WordPressAPI   bool
	Model          string
	Port           int
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
		StateDir:       viper.GetString("state_dir"),
		DBPath:         viper.GetString("db_path"),
		Dev:            viper.GetString("workspaces.dev"),
		BackendDev:     viper.GetString("workspaces.backend_dev"),
		Prod:           viper.GetString("workspaces.prod"),
		Primary:        viper.GetString("workspaces.primary"),
		Host:           viper.GetString("servers.host"),
		DevPort:        viper.GetInt("servers.dev.port"),
		DevCommand:     viper.GetString("servers.dev.command"),
		DevForceArgs:   viper.GetString("servers.dev.force_args"),
		BackendPort:    viper.GetInt("servers.backend.port"),
		BackendCommand: viper.GetString("servers.backend.command"),
		StartTimeout:   viper.GetDuration("servers.start_timeout").String(),
		StopGrace:      viper.GetDuration("servers.stop_grace").String(),
		Remote:         viper.GetString("git.remote"),
		RemoteURL:      viper.GetString("git.remote_url"),
		Branch:         viper.GetString("git.branch"),
		CommitMessage:  viper.GetString("git.commit_message"),
		Manifest:       viper.GetString("deps.manifest"),
		InstallCommand: viper.GetString("deps.install_command"),
		InstallDir:     viper.GetString("deps.install_dir"),
		Framework:      viper.GetString("project.framework"),
		WordPressAPI:   viper.GetBool("project.wordpress_api"),
		Model:          viper.GetString("anthropic.model"),
		Port:           viper.GetInt("port"),
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
	{Key: "state_dir", EnvVar: "DEVLOOP_STATE_DIR"},
	{Key: "db_path", EnvVar: "DEVLOOP_DB_PATH"},
	{Key: "workspaces.dev", EnvVar: "DEVLOOP_WORKSPACES_DEV"},
	{Key: "workspaces.backend_dev", EnvVar: "DEVLOOP_WORKSPACES_BACKEND_DEV"},
	{Key: "workspaces.prod", EnvVar: "DEVLOOP_WORKSPACES_PROD"},
	{Key: "workspaces.primary", EnvVar: "DEVLOOP_WORKSPACES_PRIMARY"},
	{Key: "workspaces.base_dir", EnvVar: "DEVLOOP_WORKSPACES_BASE_DIR"},
	{Key: "servers.host", EnvVar: "DEVLOOP_SERVERS_HOST"},
	{Key: "servers.dev.port", EnvVar: "DEVLOOP_SERVERS_DEV_PORT"},
	{Key: "servers.dev.command", EnvVar: "DEVLOOP_SERVERS_DEV_COMMAND"},
	{Key: "servers.dev.force_args", EnvVar: "DEVLOOP_SERVERS_DEV_FORCE_ARGS"},
	{Key: "servers.dev.restart_grace", EnvVar: "DEVLOOP_SERVERS_DEV_RESTART_GRACE"},
	{Key: "servers.backend.port", EnvVar: "DEVLOOP_SERVERS_BACKEND_PORT"},
	{Key: "servers.backend.command", EnvVar: "DEVLOOP_SERVERS_BACKEND_COMMAND"},
	{Key: "servers.backend.restart_grace", EnvVar: "DEVLOOP_SERVERS_BACKEND_RESTART_GRACE"},
	{Key: "servers.start_timeout", EnvVar: "DEVLOOP_SERVERS_START_TIMEOUT"},
	{Key: "servers.stop_grace", EnvVar: "DEVLOOP_SERVERS_STOP_GRACE"},
	{Key: "git.remote", EnvVar: "DEVLOOP_GIT_REMOTE"},
	{Key: "git.remote_url", EnvVar: "DEVLOOP_GIT_REMOTE_URL"},
	{Key: "git.branch", EnvVar: "DEVLOOP_GIT_BRANCH"},
	{Key: "git.commit_message", EnvVar: "DEVLOOP_GIT_COMMIT_MESSAGE"},
	{Key: "deps.manifest", EnvVar: "DEVLOOP_DEPS_MANIFEST"},
	{Key: "deps.install_command", EnvVar: "DEVLOOP_DEPS_INSTALL_COMMAND"},
	{Key: "deps.install_timeout", EnvVar: "DEVLOOP_DEPS_INSTALL_TIMEOUT"},
	{Key: "deps.install_dir", EnvVar: "DEVLOOP_DEPS_INSTALL_DIR"},
	{Key: "shell.timeout", EnvVar: "DEVLOOP_SHELL_TIMEOUT"},
	{Key: "project.framework", EnvVar: "DEVLOOP_PROJECT_FRAMEWORK"},
	{Key: "project.backend_url", EnvVar: "DEVLOOP_PROJECT_BACKEND_URL"},
	{Key: "project.wordpress_api", EnvVar: "DEVLOOP_PROJECT_WORDPRESS_API"},
	{Key: "project.context_bytes", EnvVar: "DEVLOOP_PROJECT_CONTEXT_BYTES"},
	{Key: "project.history_limit", EnvVar: "DEVLOOP_PROJECT_HISTORY_LIMIT"},
	{Key: "anthropic.api_key", EnvVar: "DEVLOOP_ANTHROPIC_API_KEY"},
	{Key: "anthropic.model", EnvVar: "DEVLOOP_ANTHROPIC_MODEL"},
	{Key: "anthropic.max_tokens", EnvVar: "DEVLOOP_ANTHROPIC_MAX_TOKENS"},
	{Key: "port", EnvVar: "DEVLOOP_PORT"},
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
		if k.Key == "anthropic.api_key" {
			val = maskSecret(viper.GetString(k.Key))
		}
		source := detectSource(k.Key, k.EnvVar, fileValues)
		fmt.Fprintf(ui.Out, "  %-30s %v  %s\n", k.Key, val, source)
	}

	return nil
}

// maskSecret hides all but the last four characters of a secret.
func maskSecret(v string) string {
	if v == "" {
		return ""
	}
	if len(v) <= 4 {
		return "****"
	}
	return "****" + v[len(v)-4:]
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
		return fmt.Errorf("$EDITOR is not set; set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'devloop config init' first)", cfgPath)
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
