package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kebairia/stackback/internal/config"
	"github.com/kebairia/stackback/internal/discover"
	"github.com/kebairia/stackback/internal/engine"
	"github.com/kebairia/stackback/internal/lock"
	"github.com/kebairia/stackback/internal/logger"
	"github.com/kebairia/stackback/internal/runtime"
	"github.com/kebairia/stackback/internal/vault"
)

// Exit codes. Precondition covers configuration errors and missing
// dependencies (runtime unreachable, restic absent, lock held); unit failures
// during an otherwise healthy run exit with 1.
const (
	ExitOK           = 0
	ExitUnitFailed   = 1
	ExitPrecondition = 2
)

// errUnitsFailed marks a run that completed but left at least one unit in a
// failed state.
var errUnitsFailed = errors.New("one or more units failed")

var (
	configFile string

	rootCmd = &cobra.Command{
		Use:   "stackback",
		Short: "Cold backup orchestrator for container stacks",
		Long: `stackback discovers running container stacks, stops them, snapshots
their volumes and descriptors into a restic repository, and restarts them.
It also plans restores from those snapshots and maintains encrypted
disaster recovery bundles.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

// Execute runs the root command and returns the process exit code.
func Execute() int {
	log, err := logger.Init()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		return ExitPrecondition
	}
	defer logger.Cleanup()

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		code := exitCode(err)
		log.Error("command failed", "error", err)
		return code
	}
	return ExitOK
}

func exitCode(err error) int {
	preconditions := []error{
		config.ErrLoadConfig,
		config.ErrValidateConfig,
		discover.ErrDiscovery,
		engine.ErrBinaryMissing,
		lock.ErrLocked,
		lock.ErrStale,
		runtime.ErrUnreachable,
		vault.ErrClientInit,
		vault.ErrSecretNotFound,
	}
	for _, pre := range preconditions {
		if errors.Is(err, pre) {
			return ExitPrecondition
		}
	}
	return ExitUnitFailed
}

func init() {
	rootCmd.PersistentFlags().
		StringVarP(&configFile, "config", "c", "/etc/stackback/config.yaml", "path to YAML config file")
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(drCmd)
}

// loadConfig loads and validates the configuration file.
func loadConfig() (config.Config, error) {
	var cfg config.Config
	if err := cfg.Load(configFile); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// resolvePassword obtains the repository password from the single configured
// source: a file, an environment variable, or Vault.
func resolvePassword(ctx context.Context, cfg config.Config) (string, error) {
	switch {
	case cfg.Repository.PasswordFile != "":
		data, err := os.ReadFile(cfg.Repository.PasswordFile)
		if err != nil {
			return "", fmt.Errorf("%w: read password file: %v", config.ErrValidateConfig, err)
		}
		return strings.TrimSpace(string(data)), nil

	case cfg.Repository.PasswordEnv != "":
		pw := os.Getenv(cfg.Repository.PasswordEnv)
		if pw == "" {
			return "", fmt.Errorf("%w: password environment variable %s is empty",
				config.ErrValidateConfig, cfg.Repository.PasswordEnv)
		}
		return pw, nil

	default:
		client, err := vault.NewClient(ctx,
			vault.WithAddress(cfg.Vault.Address),
			vault.WithAppRole(cfg.Vault.RoleID, cfg.Vault.RoleName),
		)
		if err != nil {
			return "", err
		}
		return client.ReadPassword(ctx, cfg.Vault.PasswordPath)
	}
}

// newEngine detects the restic binary, resolves the repository password and
// returns a ready engine.
func newEngine(ctx context.Context, cfg config.Config) (*engine.Engine, error) {
	bin, err := engine.Detect(ctx)
	if err != nil {
		return nil, err
	}
	password, err := resolvePassword(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return engine.New(bin, cfg.Repository.URI, password), nil
}
