package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// ErrLoadConfig indicates a failure to read or parse the YAML configuration.
var ErrLoadConfig = errors.New("config load failed")

// ErrValidateConfig indicates that the loaded configuration is invalid.
var ErrValidateConfig = errors.New("configuration validation failed")

// Config represents the top-level YAML configuration file.
type Config struct {
	Include    []string         `mapstructure:"include"           yaml:"include,omitempty"`
	Repository RepositoryConfig `mapstructure:"repository"        yaml:"repository"`
	Backup     BackupConfig     `mapstructure:"backup"            yaml:"backup"`
	Retention  RetentionConfig  `mapstructure:"retention"         yaml:"retention"`
	Vault      VaultConfig      `mapstructure:"vault"             yaml:"vault"`
	DR         DRConfig         `mapstructure:"disaster_recovery" yaml:"disaster_recovery"`
	Lock       LockConfig       `mapstructure:"lock"              yaml:"lock"`
}

// RepositoryConfig describes the restic repository connection and how the
// repository password is obtained. Exactly one password source is used.
type RepositoryConfig struct {
	URI          string `mapstructure:"uri"           yaml:"uri"`
	Profile      string `mapstructure:"profile"       yaml:"profile,omitempty"`
	PasswordFile string `mapstructure:"password_file" yaml:"password_file,omitempty"`
	PasswordEnv  string `mapstructure:"password_env"  yaml:"password_env,omitempty"`
}

// BackupConfig contains global backup options.
type BackupConfig struct {
	Scope        string              `mapstructure:"scope"         yaml:"scope,omitempty"`
	StopTimeout  time.Duration       `mapstructure:"stop_timeout"  yaml:"stop_timeout,omitempty"`
	StartTimeout time.Duration       `mapstructure:"start_timeout" yaml:"start_timeout,omitempty"`
	Exclude      map[string][]string `mapstructure:"exclude"       yaml:"exclude,omitempty"`
}

// RetentionConfig holds the restic forget policy counts.
type RetentionConfig struct {
	Daily   int `mapstructure:"daily"   yaml:"daily"`
	Weekly  int `mapstructure:"weekly"  yaml:"weekly"`
	Monthly int `mapstructure:"monthly" yaml:"monthly"`
	Yearly  int `mapstructure:"yearly"  yaml:"yearly"`
}

// Enabled reports whether any retention count is configured.
func (r RetentionConfig) Enabled() bool {
	return r.Daily > 0 || r.Weekly > 0 || r.Monthly > 0 || r.Yearly > 0
}

// VaultConfig holds connection settings for HashiCorp Vault. When
// PasswordPath is set the repository password is read from Vault instead of
// a file or the environment.
type VaultConfig struct {
	Address      string `mapstructure:"address"       yaml:"address,omitempty"`
	RoleID       string `mapstructure:"role_id"       yaml:"role_id,omitempty"`
	RoleName     string `mapstructure:"role_name"     yaml:"role_name,omitempty"`
	PasswordPath string `mapstructure:"password_path" yaml:"password_path,omitempty"`
}

// DRConfig controls disaster-recovery bundle creation and rotation.
type DRConfig struct {
	Directory   string `mapstructure:"directory"    yaml:"directory,omitempty"`
	Keep        int    `mapstructure:"keep"         yaml:"keep,omitempty"`
	AfterBackup bool   `mapstructure:"after_backup" yaml:"after_backup,omitempty"`
}

// LockConfig locates the run lock directory.
type LockConfig struct {
	Directory string `mapstructure:"directory" yaml:"directory,omitempty"`
}

// Defaults applied after unmarshalling, before validation.
const (
	DefaultScope        = "standard"
	DefaultStopTimeout  = 30 * time.Second
	DefaultStartTimeout = 2 * time.Minute
	DefaultProfile      = "default"
	DefaultBundleKeep   = 3
	DefaultLockDir      = "/run/stackback"
)

// Load reads the configuration from the given YAML file using Viper, merges
// any included files, and unmarshals into the Config struct.
func (c *Config) Load(path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("%w: read base config %s: %v", ErrLoadConfig, path, err)
	}

	// Merge include files (if any)
	for _, inc := range v.GetStringSlice("include") {
		data, err := os.ReadFile(inc)
		if err != nil {
			return fmt.Errorf("%w: read include %s: %v", ErrLoadConfig, inc, err)
		}
		if err := v.MergeConfig(bytes.NewReader(data)); err != nil {
			return fmt.Errorf("%w: merge include %s: %v", ErrLoadConfig, inc, err)
		}
	}

	if err := v.UnmarshalExact(c); err != nil {
		return fmt.Errorf("%w: unmarshal config: %v", ErrLoadConfig, err)
	}

	c.applyDefaults()
	return nil
}

func (c *Config) applyDefaults() {
	if c.Backup.Scope == "" {
		c.Backup.Scope = DefaultScope
	}
	if c.Backup.StopTimeout == 0 {
		c.Backup.StopTimeout = DefaultStopTimeout
	}
	if c.Backup.StartTimeout == 0 {
		c.Backup.StartTimeout = DefaultStartTimeout
	}
	if c.Repository.Profile == "" {
		c.Repository.Profile = DefaultProfile
	}
	if c.DR.Keep == 0 {
		c.DR.Keep = DefaultBundleKeep
	}
	if c.Lock.Directory == "" {
		c.Lock.Directory = DefaultLockDir
	}
}

// Validate checks the invariants the rest of the program relies on.
func (c *Config) Validate() error {
	if c.Repository.URI == "" {
		return fmt.Errorf("%w: repository.uri is required", ErrValidateConfig)
	}
	sources := 0
	if c.Repository.PasswordFile != "" {
		sources++
	}
	if c.Repository.PasswordEnv != "" {
		sources++
	}
	if c.Vault.PasswordPath != "" {
		sources++
	}
	if sources == 0 {
		return fmt.Errorf(
			"%w: one of repository.password_file, repository.password_env or vault.password_path is required",
			ErrValidateConfig,
		)
	}
	if sources > 1 {
		return fmt.Errorf("%w: multiple repository password sources configured", ErrValidateConfig)
	}
	switch c.Backup.Scope {
	case "minimal", "standard", "full":
	default:
		return fmt.Errorf("%w: unknown backup scope %q", ErrValidateConfig, c.Backup.Scope)
	}
	return nil
}
