// Package drbundle builds and rotates disaster recovery bundles: a single
// encrypted archive carrying everything needed to reconnect to the snapshot
// repository from a bare machine. The bundle holds the repository descriptor,
// the repository password, the active configuration, a snapshot inventory and
// a reconnect script; it is meant to live off-host (printed, on a USB key, in
// a password manager).
package drbundle

import (
	"archive/tar"
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/scrypt"
	"gopkg.in/yaml.v3"

	"github.com/kebairia/stackback/internal/restore"
	"github.com/kebairia/stackback/internal/tags"
)

const (
	filePrefix = "drbundle-"
	fileSuffix = ".tar.zst.enc"

	saltSize = 16
	keySize  = 32

	// scrypt cost parameters. Interactive-grade: a bundle is decrypted once
	// during a disaster, not on a hot path.
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

var (
	// ErrBundleCreate wraps any failure while assembling or writing a bundle.
	ErrBundleCreate = errors.New("failed to create recovery bundle")
	// ErrBadPassphrase is returned when a bundle cannot be opened. GCM
	// authentication cannot distinguish a wrong passphrase from corruption,
	// so neither can we.
	ErrBadPassphrase = errors.New("cannot open bundle: wrong passphrase or corrupt file")
)

// UnitInventory summarizes the repository's snapshots for one unit.
type UnitInventory struct {
	Unit      string            `yaml:"unit"`
	BackupIDs []BackupInventory `yaml:"backups"`
}

// BackupInventory is one run of one unit as seen in the repository.
type BackupInventory struct {
	BackupID     string             `yaml:"backup_id"`
	Time         time.Time          `yaml:"time"`
	Scope        tags.Scope         `yaml:"scope"`
	ContentTypes []tags.ContentType `yaml:"content_types"`
}

// Inventory is the bundle's map of what the repository held at build time.
type Inventory struct {
	GeneratedAt time.Time       `yaml:"generated_at"`
	Host        string          `yaml:"host"`
	Repository  string          `yaml:"repository"`
	Units       []UnitInventory `yaml:"units"`
}

// InventoryFromPoints flattens a restore point listing into the bundle
// inventory, grouped by unit with runs newest first.
func InventoryFromPoints(host string, points []restore.RestorePoint) Inventory {
	byUnit := map[string][]BackupInventory{}
	for _, p := range points {
		seen := map[tags.ContentType]bool{}
		var types []tags.ContentType
		for _, s := range p.Snapshots {
			if !seen[s.Parsed.ContentType] {
				seen[s.Parsed.ContentType] = true
				types = append(types, s.Parsed.ContentType)
			}
		}
		byUnit[p.Unit] = append(byUnit[p.Unit], BackupInventory{
			BackupID:     p.BackupID,
			Time:         p.Time,
			Scope:        p.Scope,
			ContentTypes: types,
		})
	}

	inv := Inventory{Host: host}
	units := make([]string, 0, len(byUnit))
	for u := range byUnit {
		units = append(units, u)
	}
	sort.Strings(units)
	for _, u := range units {
		inv.Units = append(inv.Units, UnitInventory{Unit: u, BackupIDs: byUnit[u]})
	}
	return inv
}

// Contents is everything a bundle carries.
type Contents struct {
	RepositoryURI string
	Password      string
	ConfigYAML    []byte
	Inventory     Inventory
}

// Filename returns the bundle file name for a build time. The timestamp is
// embedded in the name so rotation never has to trust file mtimes.
func Filename(at time.Time) string {
	return filePrefix + at.UTC().Format(tags.TimestampFormat) + fileSuffix
}

// Build writes an encrypted bundle into dir and returns its path. The inner
// archive is tar, compressed with zstd, sealed with AES-256-GCM under a key
// derived from the passphrase with scrypt and a fresh random salt. An
// existing file under the same name is never overwritten; two builds within
// one second collide on the filename timestamp, and losing the first bundle
// silently would defeat the point of keeping several.
func Build(dir, passphrase string, c Contents) (string, error) {
	return buildAt(dir, passphrase, c, time.Now().UTC())
}

func buildAt(dir, passphrase string, c Contents, now time.Time) (string, error) {
	if passphrase == "" {
		return "", fmt.Errorf("%w: empty passphrase", ErrBundleCreate)
	}
	c.Inventory.GeneratedAt = now
	c.Inventory.Repository = c.RepositoryURI

	plain, err := buildArchive(c)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBundleCreate, err)
	}
	sealed, err := seal(plain, passphrase)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBundleCreate, err)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBundleCreate, err)
	}
	path := filepath.Join(dir, Filename(now))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return "", fmt.Errorf("%w: %s already exists", ErrBundleCreate, path)
		}
		return "", fmt.Errorf("%w: %v", ErrBundleCreate, err)
	}
	if _, err := f.Write(sealed); err != nil {
		f.Close()
		return "", fmt.Errorf("%w: write %s: %v", ErrBundleCreate, path, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("%w: close %s: %v", ErrBundleCreate, path, err)
	}
	return path, nil
}

// Decrypt opens a bundle and unpacks its files into outDir.
func Decrypt(bundlePath, passphrase, outDir string) error {
	sealed, err := os.ReadFile(bundlePath)
	if err != nil {
		return fmt.Errorf("read bundle: %w", err)
	}
	plain, err := open(sealed, passphrase)
	if err != nil {
		return err
	}
	return unpackArchive(plain, outDir)
}

// Rotate removes the oldest bundles in dir, keeping the newest keep of them.
// Age is read from the filename-embedded timestamp; files whose names do not
// parse are left alone rather than guessed at.
func Rotate(dir string, keep int) ([]string, error) {
	if keep < 1 {
		keep = 1
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read bundle directory: %w", err)
	}

	type bundle struct {
		name string
		at   time.Time
	}
	var bundles []bundle
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
		at, err := time.Parse(tags.TimestampFormat, stamp)
		if err != nil {
			continue
		}
		bundles = append(bundles, bundle{name: name, at: at})
	}
	sort.Slice(bundles, func(i, j int) bool { return bundles[i].at.After(bundles[j].at) })

	var removed []string
	for _, b := range bundles[min(keep, len(bundles)):] {
		if err := os.Remove(filepath.Join(dir, b.name)); err != nil {
			return removed, fmt.Errorf("remove old bundle %s: %w", b.name, err)
		}
		removed = append(removed, b.name)
	}
	return removed, nil
}

func buildArchive(c Contents) ([]byte, error) {
	inventory, err := yaml.Marshal(c.Inventory)
	if err != nil {
		return nil, err
	}

	files := []struct {
		name string
		mode int64
		body []byte
	}{
		{"repository.txt", 0o600, []byte(c.RepositoryURI + "\n")},
		{"repository-password.txt", 0o600, []byte(c.Password + "\n")},
		{"config.yaml", 0o600, c.ConfigYAML},
		{"inventory.yaml", 0o600, inventory},
		{"reconnect.sh", 0o700, []byte(reconnectScript(c.RepositoryURI))},
		{"README.md", 0o600, []byte(readme)},
	}

	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	tw := tar.NewWriter(zw)
	for _, f := range files {
		hdr := &tar.Header{
			Name:    f.name,
			Mode:    f.mode,
			Size:    int64(len(f.body)),
			ModTime: c.Inventory.GeneratedAt,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		if _, err := tw.Write(f.body); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func unpackArchive(plain []byte, outDir string) error {
	zr, err := zstd.NewReader(bytes.NewReader(plain))
	if err != nil {
		return fmt.Errorf("decompress bundle: %w", err)
	}
	defer zr.Close()

	if err := os.MkdirAll(outDir, 0o700); err != nil {
		return err
	}
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read bundle archive: %w", err)
		}
		// Bundles are flat; anything with a path separator did not come
		// from us.
		name := filepath.Base(filepath.Clean(hdr.Name))
		if name != hdr.Name {
			return fmt.Errorf("unexpected path %q in bundle", hdr.Name)
		}
		out, err := os.OpenFile(filepath.Join(outDir, name),
			os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode).Perm())
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return err
		}
		if err := out.Close(); err != nil {
			return err
		}
	}
}

func seal(plain []byte, passphrase string) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	gcm, err := cipherFor(passphrase, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	// Layout: salt || nonce || ciphertext.
	out := make([]byte, 0, saltSize+len(nonce)+len(plain)+gcm.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plain, nil), nil
}

func open(sealed []byte, passphrase string) ([]byte, error) {
	if len(sealed) < saltSize {
		return nil, ErrBadPassphrase
	}
	salt := sealed[:saltSize]
	gcm, err := cipherFor(passphrase, salt)
	if err != nil {
		return nil, err
	}
	rest := sealed[saltSize:]
	if len(rest) < gcm.NonceSize() {
		return nil, ErrBadPassphrase
	}
	nonce, ciphertext := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrBadPassphrase
	}
	return plain, nil
}

func cipherFor(passphrase string, salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func reconnectScript(repoURI string) string {
	return `#!/bin/sh
# Reconnect this machine to the snapshot repository. Run from the directory
# this bundle was decrypted into.
set -eu
export RESTIC_REPOSITORY="` + repoURI + `"
export RESTIC_PASSWORD_FILE="$(pwd)/repository-password.txt"
restic snapshots
`
}

const readme = `# Disaster Recovery Bundle

Decrypted with: stackback dr --decrypt <bundle>

Files:
  repository.txt           snapshot repository location
  repository-password.txt  repository password (handle with care)
  config.yaml              the configuration active when this bundle was built
  inventory.yaml           units and backups present in the repository at build time
  reconnect.sh             sets up restic access to the repository

To recover: install docker and restic, run reconnect.sh to verify repository
access, then use "stackback list --snapshots" and "stackback restore" from a
restored configuration.
`
