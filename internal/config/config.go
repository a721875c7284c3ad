// Package config resolves viper settings into the immutable values the
// rest of devloop is built from.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/joescharf/devloop/internal/workspace"
)

// Config is the resolved configuration for one session.
type Config struct {
	StateDir string
	DBPath   string

	Workspaces Workspaces
	Servers    Servers
	Git        Git
	Deps       Deps
	Project    Project
	Anthropic  Anthropic

	ShellTimeout time.Duration
	Port         int
}

// Workspaces holds the workspace roots.
type Workspaces struct {
	Dev        string
	BackendDev string
	// Prod is optional; approve needs it.
	Prod string
	// Primary is the tag served by the dev server.
	Primary string
	// BaseDir is where shell actions without a cwd run.
	BaseDir string
}

// Server configures one supervised server.
type Server struct {
	Port         int
	Command      string
	ForceArgs    string
	RestartGrace time.Duration
}

// Servers configures the supervisor.
type Servers struct {
	Host         string
	Dev          Server
	Backend      Server
	StartTimeout time.Duration
	StopGrace    time.Duration
}

// Git configures promotion.
type Git struct {
	Remote        string
	RemoteURL     string
	Branch        string
	CommitMessage string
}

// DefaultManifest is the dependency manifest when none is configured.
const DefaultManifest = "package.json"

// Deps configures dependency installs.
type Deps struct {
	// Manifests maps an editable workspace tag to its manifest file name.
	Manifests      map[string]string
	InstallCommand string
	InstallTimeout time.Duration
	// InstallDir is the directory an install produces. Setup installs when
	// the manifest exists and this directory does not.
	InstallDir string
}

// ManifestFor returns the manifest file name watched in workspace tag.
func (d Deps) ManifestFor(tag string) string {
	if m := d.Manifests[tag]; m != "" {
		return m
	}
	return DefaultManifest
}

// Project describes the scaffolded app for prompt building.
type Project struct {
	Framework    string
	BackendURL   string
	WordPressAPI bool
	// ContextBytes caps the file contents sent with a prompt.
	ContextBytes int
	HistoryLimit int
}

// Anthropic configures the AI provider.
type Anthropic struct {
	APIKey    string
	Model     string
	MaxTokens int64
}

// SetDefaults registers every default on v. stateDir is the default state
// directory.
func SetDefaults(v *viper.Viper, stateDir string) {
	v.SetDefault("state_dir", stateDir)
	v.SetDefault("db_path", filepath.Join(stateDir, "devloop.db"))

	v.SetDefault("workspaces.dev", "")
	v.SetDefault("workspaces.backend_dev", "")
	v.SetDefault("workspaces.prod", "")
	v.SetDefault("workspaces.primary", workspace.Dev)
	v.SetDefault("workspaces.base_dir", "")

	v.SetDefault("servers.host", "127.0.0.1")
	v.SetDefault("servers.dev.port", 5173)
	v.SetDefault("servers.dev.command", "npm run dev -- --host {host} --port {port} --strictPort")
	v.SetDefault("servers.dev.force_args", "--force")
	v.SetDefault("servers.dev.restart_grace", 2*time.Second)
	v.SetDefault("servers.backend.port", 3000)
	v.SetDefault("servers.backend.command", "PORT={port} node server.js")
	v.SetDefault("servers.backend.force_args", "")
	v.SetDefault("servers.backend.restart_grace", time.Second)
	v.SetDefault("servers.start_timeout", 60*time.Second)
	v.SetDefault("servers.stop_grace", 10*time.Second)

	v.SetDefault("git.remote", "origin")
	v.SetDefault("git.remote_url", "")
	v.SetDefault("git.branch", "main")
	v.SetDefault("git.commit_message", "Approve dev changes")

	v.SetDefault("deps.manifest", DefaultManifest)
	v.SetDefault("deps.install_command", "npm install")
	v.SetDefault("deps.install_timeout", 5*time.Minute)
	v.SetDefault("deps.install_dir", "node_modules")

	v.SetDefault("shell.timeout", 5*time.Minute)

	v.SetDefault("project.framework", "vue")
	v.SetDefault("project.backend_url", "")
	v.SetDefault("project.wordpress_api", false)
	v.SetDefault("project.context_bytes", 200_000)
	v.SetDefault("project.history_limit", 20)

	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.model", "claude-sonnet-4-5")
	v.SetDefault("anthropic.max_tokens", 8000)

	v.SetDefault("port", 8420)
}

// Load resolves and validates v.
func Load(v *viper.Viper) (*Config, error) {
	c := &Config{
		StateDir: v.GetString("state_dir"),
		DBPath:   v.GetString("db_path"),
		Workspaces: Workspaces{
			Dev:        v.GetString("workspaces.dev"),
			BackendDev: v.GetString("workspaces.backend_dev"),
			Prod:       v.GetString("workspaces.prod"),
			Primary:    v.GetString("workspaces.primary"),
			BaseDir:    v.GetString("workspaces.base_dir"),
		},
		Servers: Servers{
			Host: v.GetString("servers.host"),
			Dev: Server{
				Port:         v.GetInt("servers.dev.port"),
				Command:      v.GetString("servers.dev.command"),
				ForceArgs:    v.GetString("servers.dev.force_args"),
				RestartGrace: v.GetDuration("servers.dev.restart_grace"),
			},
			Backend: Server{
				Port:         v.GetInt("servers.backend.port"),
				Command:      v.GetString("servers.backend.command"),
				ForceArgs:    v.GetString("servers.backend.force_args"),
				RestartGrace: v.GetDuration("servers.backend.restart_grace"),
			},
			StartTimeout: v.GetDuration("servers.start_timeout"),
			StopGrace:    v.GetDuration("servers.stop_grace"),
		},
		Git: Git{
			Remote:        v.GetString("git.remote"),
			RemoteURL:     v.GetString("git.remote_url"),
			Branch:        v.GetString("git.branch"),
			CommitMessage: v.GetString("git.commit_message"),
		},
		Deps: Deps{
			Manifests:      manifests(v),
			InstallCommand: v.GetString("deps.install_command"),
			InstallTimeout: v.GetDuration("deps.install_timeout"),
			InstallDir:     v.GetString("deps.install_dir"),
		},
		Project: Project{
			Framework:    v.GetString("project.framework"),
			BackendURL:   v.GetString("project.backend_url"),
			WordPressAPI: v.GetBool("project.wordpress_api"),
			ContextBytes: v.GetInt("project.context_bytes"),
			HistoryLimit: v.GetInt("project.history_limit"),
		},
		Anthropic: Anthropic{
			APIKey:    v.GetString("anthropic.api_key"),
			Model:     v.GetString("anthropic.model"),
			MaxTokens: v.GetInt64("anthropic.max_tokens"),
		},
		ShellTimeout: v.GetDuration("shell.timeout"),
		Port:         v.GetInt("port"),
	}

	if err := c.resolve(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) resolve() error {
	var errs []error
	if c.Workspaces.Dev == "" {
		errs = append(errs, errors.New("workspaces.dev is required"))
	}
	if c.Workspaces.BackendDev == "" {
		errs = append(errs, errors.New("workspaces.backend_dev is required"))
	}
	if c.Servers.Dev.Port <= 0 {
		errs = append(errs, fmt.Errorf("servers.dev.port must be positive, got %d", c.Servers.Dev.Port))
	}
	if c.Servers.Backend.Port <= 0 {
		errs = append(errs, fmt.Errorf("servers.backend.port must be positive, got %d", c.Servers.Backend.Port))
	}
	switch c.Workspaces.Primary {
	case workspace.Dev, workspace.BackendDev:
	default:
		errs = append(errs, fmt.Errorf("workspaces.primary must be %s or %s, got %q", workspace.Dev, workspace.BackendDev, c.Workspaces.Primary))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	for _, p := range []*string{&c.Workspaces.Dev, &c.Workspaces.BackendDev, &c.Workspaces.Prod, &c.Workspaces.BaseDir} {
		if *p == "" {
			continue
		}
		abs, err := filepath.Abs(expandHome(*p))
		if err != nil {
			return err
		}
		*p = abs
	}
	if c.Workspaces.BaseDir == "" {
		c.Workspaces.BaseDir = filepath.Dir(c.Workspaces.Dev)
	}

	// Roots must be disjoint, prod included.
	if _, err := c.WorkspaceSet(true); err != nil {
		return err
	}

	if c.Project.BackendURL == "" {
		c.Project.BackendURL = fmt.Sprintf("http://%s:%d", c.Servers.Host, c.Servers.Backend.Port)
	}
	return nil
}

// Editable returns the workspaces the assistant may modify.
func (c *Config) Editable() []workspace.Workspace {
	return []workspace.Workspace{
		{Tag: workspace.Dev, Root: c.Workspaces.Dev},
		{Tag: workspace.BackendDev, Root: c.Workspaces.BackendDev},
	}
}

// WorkspaceSet builds the editable set, plus prod when withProd is set and
// prod is configured.
func (c *Config) WorkspaceSet(withProd bool) (*workspace.Set, error) {
	ws := c.Editable()
	if withProd && c.Workspaces.Prod != "" {
		ws = append(ws, workspace.Workspace{Tag: workspace.Prod, Root: c.Workspaces.Prod})
	}
	return workspace.NewSet(ws...)
}

// manifests reads deps.manifest, which is either one file name for every
// editable workspace or a map keyed by workspace tag (deps.manifest.dev,
// deps.manifest.backend_dev). Tags missing from the map use the default.
func manifests(v *viper.Viper) map[string]string {
	def := DefaultManifest
	if _, isMap := v.Get("deps.manifest").(map[string]any); !isMap {
		if name := v.GetString("deps.manifest"); name != "" {
			def = name
		}
	}
	out := make(map[string]string, 2)
	for _, tag := range []string{workspace.Dev, workspace.BackendDev} {
		name := v.GetString("deps.manifest." + tag)
		if name == "" {
			name = def
		}
		out[tag] = name
	}
	return out
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
