package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ncruces/go-strftime"
	"gopkg.in/yaml.v3"

	"github.com/schaermu/vaultbak/internal/errs"
)

const (
	DefaultRemoteName      = "origin"
	DefaultBranch          = "main"
	DefaultTimestampFormat = "%Y-%m-%d %H:%M:%S"
	DefaultCommitMessage   = "vault backup: {{date}}"
	DefaultGitBinary       = "git"
	DefaultServeInterval   = 10 * time.Minute
	DefaultWatchDebounce   = 30 * time.Second
)

// Config represents the complete vaultbak configuration
type Config struct {
	Remote   RemoteConfig   `yaml:"remote"`
	Vault    VaultConfig    `yaml:"vault"`
	Identity IdentityConfig `yaml:"identity"`
	Ignore   string         `yaml:"ignore"`
	Commit   CommitConfig   `yaml:"commit"`
	Auth     AuthConfig     `yaml:"auth"`
	Git      GitConfig      `yaml:"git"`
	Serve    ServeConfig    `yaml:"serve"`
}

// RemoteConfig configures the push destination
type RemoteConfig struct {
	URL    string `yaml:"url"`
	Name   string `yaml:"name"`
	Branch string `yaml:"branch"`
}

// VaultConfig configures the content tree and where its repository lives
type VaultConfig struct {
	WorkTree string `yaml:"work_tree"`
	ID       string `yaml:"id"`
	RepoDir  string `yaml:"repo_dir"`
}

// IdentityConfig is applied as both author and committer
type IdentityConfig struct {
	Name  string `yaml:"name"`
	Email string `yaml:"email"`
}

// CommitConfig configures generated commit messages
type CommitConfig struct {
	TimestampFormat string `yaml:"timestamp_format"`
	Message         string `yaml:"message"`
}

// AuthConfig configures Git authentication
type AuthConfig struct {
	SSHKeyFile     string `yaml:"ssh_key_file"`
	HTTPSTokenFile string `yaml:"https_token_file"`
}

// GitConfig locates the git binary
type GitConfig struct {
	Binary string `yaml:"binary"`
}

// ServeConfig configures the long-running trigger server
type ServeConfig struct {
	ListenAddr string        `yaml:"listen_addr"`
	SecretFile string        `yaml:"secret_file"`
	Interval   time.Duration `yaml:"interval"`
	Watch      bool          `yaml:"watch"`
	Debounce   time.Duration `yaml:"debounce"`
}

// Timestamp renders t with the configured strftime format.
func (c *Config) Timestamp(t time.Time) string {
	return strftime.Format(c.Commit.TimestampFormat, t)
}

// rendersTime reports whether format produces different text for two
// instants that differ in every calendar and clock field. Unknown
// directives are emitted verbatim and so do not count.
func rendersTime(format string) bool {
	a := time.Date(2001, time.February, 3, 4, 5, 6, 0, time.UTC)
	b := time.Date(2012, time.November, 10, 20, 21, 22, 0, time.UTC)
	return strftime.Format(format, a) != strftime.Format(format, b)
}

// CommitMessage expands {{date}} and {{numFiles}} in the message template.
func (c *Config) CommitMessage(t time.Time, numFiles int) string {
	msg := strings.ReplaceAll(c.Commit.Message, "{{date}}", c.Timestamp(t))
	return strings.ReplaceAll(msg, "{{numFiles}}", strconv.Itoa(numFiles))
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML, expands environment variables, applies defaults and validates
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in path-like string fields
func (c *Config) expandEnv() {
	c.Remote.URL = os.ExpandEnv(c.Remote.URL)
	c.Vault.WorkTree = os.ExpandEnv(c.Vault.WorkTree)
	c.Vault.RepoDir = os.ExpandEnv(c.Vault.RepoDir)
	c.Auth.SSHKeyFile = os.ExpandEnv(c.Auth.SSHKeyFile)
	c.Auth.HTTPSTokenFile = os.ExpandEnv(c.Auth.HTTPSTokenFile)
	c.Git.Binary = os.ExpandEnv(c.Git.Binary)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.SecretFile = os.ExpandEnv(c.Serve.SecretFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Remote.Name == "" {
		c.Remote.Name = DefaultRemoteName
	}
	if c.Remote.Branch == "" {
		c.Remote.Branch = DefaultBranch
	}
	if c.Vault.ID == "" && c.Vault.WorkTree != "" {
		c.Vault.ID = filepath.Base(filepath.Clean(c.Vault.WorkTree))
	}
	if c.Commit.TimestampFormat == "" {
		c.Commit.TimestampFormat = DefaultTimestampFormat
	}
	if c.Commit.Message == "" {
		c.Commit.Message = DefaultCommitMessage
	}
	if c.Git.Binary == "" {
		c.Git.Binary = DefaultGitBinary
	}
	if c.Serve.Interval == 0 {
		c.Serve.Interval = DefaultServeInterval
	}
	if c.Serve.Debounce == 0 {
		c.Serve.Debounce = DefaultWatchDebounce
	}
}

// Validate checks the configuration for errors. It does not require a
// remote URL, since read-only status checks work without one.
func (c *Config) Validate() error {
	if c.Vault.WorkTree == "" {
		return errs.NewConfigError("vault.work_tree", "", "is required")
	}
	if !filepath.IsAbs(c.Vault.WorkTree) {
		return errs.NewConfigError("vault.work_tree", c.Vault.WorkTree, "must be an absolute path")
	}
	if strings.ContainsAny(c.Vault.ID, `/\`) {
		return errs.NewConfigError("vault.id", c.Vault.ID, "must not contain path separators")
	}

	if strings.ContainsAny(c.Remote.Branch, " ~^:?*[\\") {
		return errs.NewConfigError("remote.branch", c.Remote.Branch, "is not a valid branch name")
	}

	if !rendersTime(c.Commit.TimestampFormat) {
		return errs.NewConfigError("commit.timestamp_format", c.Commit.TimestampFormat, "must contain at least one known strftime directive")
	}

	// Validate auth: only one auth method may be configured
	if c.Auth.SSHKeyFile != "" && c.Auth.HTTPSTokenFile != "" {
		return errs.NewConfigError("auth", "", "only one of ssh_key_file or https_token_file may be set")
	}

	// Validate auth: when auth is configured, the URL scheme must match
	if c.Remote.URL != "" {
		if c.Auth.SSHKeyFile != "" && !c.IsSSH() {
			return errs.NewConfigError("auth.ssh_key_file", c.Auth.SSHKeyFile, "remote.url does not use an SSH scheme (git@ or ssh://)")
		}
		if c.Auth.HTTPSTokenFile != "" && !c.IsHTTPS() {
			return errs.NewConfigError("auth.https_token_file", c.Auth.HTTPSTokenFile, "remote.url does not use the HTTPS scheme")
		}
	}

	if c.Serve.Interval < 0 {
		return errs.NewConfigError("serve.interval", c.Serve.Interval.String(), "must not be negative")
	}
	if c.Serve.Debounce < 0 {
		return errs.NewConfigError("serve.debounce", c.Serve.Debounce.String(), "must not be negative")
	}

	return nil
}

// ValidateForSync checks the settings a sync cycle cannot run without.
func (c *Config) ValidateForSync() error {
	if c.Vault.WorkTree == "" {
		return errs.NewConfigError("vault.work_tree", "", "is required")
	}
	if c.Remote.URL == "" {
		return errs.NewConfigError("remote.url", "", "is required")
	}
	return nil
}

// ValidateForServe checks the settings the trigger server needs.
func (c *Config) ValidateForServe() error {
	if err := c.ValidateForSync(); err != nil {
		return err
	}
	if c.Serve.ListenAddr != "" && c.Serve.SecretFile == "" {
		return errs.NewConfigError("serve.secret_file", "", "is required when serve.listen_addr is set")
	}
	return nil
}

// IgnorePatterns returns the non-empty, non-comment lines of Ignore.
func (c *Config) IgnorePatterns() []string {
	var patterns []string
	for _, line := range strings.Split(c.Ignore, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}
	return patterns
}

// AuthMethod returns a description of the configured auth method
func (c *Config) AuthMethod() string {
	if c.Auth.SSHKeyFile != "" {
		return "ssh"
	}
	if c.Auth.HTTPSTokenFile != "" {
		return "https"
	}
	return "none"
}

// IsHTTPS returns true if the remote URL uses HTTPS
func (c *Config) IsHTTPS() bool {
	return strings.HasPrefix(c.Remote.URL, "https://")
}

// IsSSH returns true if the remote URL uses SSH
func (c *Config) IsSSH() bool {
	return strings.HasPrefix(c.Remote.URL, "git@") || strings.HasPrefix(c.Remote.URL, "ssh://")
}
