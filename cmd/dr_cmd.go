package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/kebairia/stackback/internal/config"
	"github.com/kebairia/stackback/internal/drbundle"
	"github.com/kebairia/stackback/internal/engine"
	"github.com/kebairia/stackback/internal/logger"
	"github.com/kebairia/stackback/internal/restore"
)

// PassphraseEnv supplies the bundle passphrase non-interactively, for
// scheduled runs with disaster_recovery.after_backup enabled.
const PassphraseEnv = "STACKBACK_BUNDLE_PASSPHRASE"

var (
	drOutputDir string
	drDecrypt   string
)

var drCmd = &cobra.Command{
	Use:     "disaster-recovery",
	Aliases: []string{"dr"},
	Short:   "Build or decrypt disaster recovery bundles",
	Long: `disaster-recovery builds an encrypted bundle containing everything needed to reach
the repository from a bare machine: repository location and password, the
active configuration, a snapshot inventory and a reconnect script. Old
bundles are rotated out, keeping the configured number. With --decrypt it
unpacks an existing bundle instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if drDecrypt != "" {
			return decryptBundle()
		}
		return buildBundle(cmd.Context())
	},
}

func buildBundle(ctx context.Context) error {
	log := logger.Global()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dir := drOutputDir
	if dir == "" {
		dir = cfg.DR.Directory
	}
	if dir == "" {
		return fmt.Errorf("%w: no bundle directory (set disaster_recovery.directory or --output)",
			config.ErrValidateConfig)
	}

	eng, err := newEngine(ctx, cfg)
	if err != nil {
		return err
	}
	passphrase, err := readPassphrase(true)
	if err != nil {
		return err
	}

	path, err := writeBundle(ctx, cfg, eng, dir, passphrase)
	if err != nil {
		return err
	}
	fmt.Printf("bundle written: %s\n", path)
	log.Info("recovery bundle written", "path", path)

	removed, err := drbundle.Rotate(dir, cfg.DR.Keep)
	if err != nil {
		return err
	}
	for _, name := range removed {
		log.Info("rotated out old bundle", "bundle", name)
	}
	return nil
}

// writeBundle assembles bundle contents from the live repository and writes
// the encrypted file. Shared by the dr command and the post-backup hook.
func writeBundle(ctx context.Context, cfg config.Config, eng *engine.Engine, dir, passphrase string) (string, error) {
	points, err := restore.ListRestorePoints(ctx, eng, restore.AllMachines)
	if err != nil {
		return "", err
	}
	password, err := resolvePassword(ctx, cfg)
	if err != nil {
		return "", err
	}
	cfgYAML, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}
	host, _ := os.Hostname()

	return drbundle.Build(dir, passphrase, drbundle.Contents{
		RepositoryURI: cfg.Repository.URI,
		Password:      password,
		ConfigYAML:    cfgYAML,
		Inventory:     drbundle.InventoryFromPoints(host, points),
	})
}

// buildBundleAfterBackup writes a fresh bundle at the end of a backup run.
// It only works non-interactively, so the passphrase has to come from the
// environment.
func buildBundleAfterBackup(ctx context.Context, cfg config.Config, eng *engine.Engine) error {
	if cfg.DR.Directory == "" {
		return errors.New("disaster_recovery.directory is not set")
	}
	passphrase := os.Getenv(PassphraseEnv)
	if passphrase == "" {
		return fmt.Errorf("%s is not set", PassphraseEnv)
	}
	path, err := writeBundle(ctx, cfg, eng, cfg.DR.Directory, passphrase)
	if err != nil {
		return err
	}
	logger.Global().Info("recovery bundle written", "path", path)
	_, err = drbundle.Rotate(cfg.DR.Directory, cfg.DR.Keep)
	return err
}

func decryptBundle() error {
	passphrase, err := readPassphrase(false)
	if err != nil {
		return err
	}
	out := drOutputDir
	if out == "" {
		out = "."
	}
	if err := drbundle.Decrypt(drDecrypt, passphrase, out); err != nil {
		return err
	}
	fmt.Printf("bundle unpacked into %s\n", out)
	return nil
}

// readPassphrase takes the bundle passphrase from the environment when set,
// otherwise prompts on the terminal without echo. Building asks twice.
func readPassphrase(confirm bool) (string, error) {
	if pw := os.Getenv(PassphraseEnv); pw != "" {
		return pw, nil
	}
	if !term.IsTerminal(int(syscall.Stdin)) {
		return "", fmt.Errorf("no terminal for passphrase prompt, set %s", PassphraseEnv)
	}

	fmt.Fprint(os.Stderr, "bundle passphrase: ")
	first, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	if len(first) == 0 {
		return "", errors.New("empty passphrase")
	}
	if confirm {
		fmt.Fprint(os.Stderr, "repeat passphrase: ")
		second, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("read passphrase: %w", err)
		}
		if string(first) != string(second) {
			return "", errors.New("passphrases do not match")
		}
	}
	return string(first), nil
}

func init() {
	drCmd.Flags().
		StringVarP(&drOutputDir, "output", "o", "",
			"bundle directory when building (overrides config), unpack directory when decrypting")
	drCmd.Flags().
		StringVar(&drDecrypt, "decrypt", "", "decrypt the given bundle instead of building one")
}
