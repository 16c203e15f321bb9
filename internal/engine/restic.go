// Package engine drives the restic CLI, the external content-addressed
// backup engine. Nothing here deduplicates, encrypts or stores data; the
// package builds argument lists, feeds streams, and interprets restic's JSON
// output.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kebairia/stackback/internal/config"
	"github.com/kebairia/stackback/internal/tags"
)

// ErrSnapshot indicates a snapshot creation failure.
var ErrSnapshot = errors.New("snapshot failed")

// ErrPolicyApply indicates a retention policy application failure.
var ErrPolicyApply = errors.New("retention policy application failed")

// Engine wraps one restic repository connection.
type Engine struct {
	bin      string
	repo     string
	password string
}

// New returns an Engine for the given binary, repository URI and password.
func New(bin, repo, password string) *Engine {
	return &Engine{bin: bin, repo: repo, password: password}
}

// Repository returns the configured repository URI.
func (e *Engine) Repository() string { return e.repo }

func (e *Engine) env() []string {
	return append(os.Environ(),
		"RESTIC_REPOSITORY="+e.repo,
		"RESTIC_PASSWORD="+e.password,
	)
}

func (e *Engine) run(ctx context.Context, args []string, stdin io.Reader) (string, string, error) {
	cmd := exec.CommandContext(ctx, e.bin, args...)
	cmd.Env = e.env()
	if stdin != nil {
		cmd.Stdin = stdin
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// EnsureRepository probes the repository and initializes it when missing.
func (e *Engine) EnsureRepository(ctx context.Context) error {
	_, stderr, err := e.run(ctx, []string{"snapshots", "--json", "--latest", "1"}, nil)
	if err == nil {
		return nil
	}
	if !isNotRepository(stderr) {
		return fmt.Errorf("probe repository: %w: %s", err, strings.TrimSpace(stderr))
	}
	if _, initStderr, initErr := e.run(ctx, []string{"init"}, nil); initErr != nil {
		return fmt.Errorf("init repository: %w: %s", initErr, strings.TrimSpace(initStderr))
	}
	return nil
}

func isNotRepository(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "is not a repository") ||
		strings.Contains(s, "does not look like a restic repository") ||
		strings.Contains(s, "unable to open config file")
}

// Summary reports what one backup invocation produced. Path is the identity
// restic recorded for the snapshot; retention must be applied against it.
type Summary struct {
	SnapshotID string
	Path       string
	SizeBytes  int64
}

// BackupPath snapshots a filesystem path with the given tag set.
func (e *Engine) BackupPath(ctx context.Context, path string, excludes, tagSet []string) (Summary, error) {
	args := []string{"backup", "--json", path}
	for _, ex := range excludes {
		args = append(args, "--exclude", ex)
	}
	for _, tag := range tagSet {
		args = append(args, "--tag", tag)
	}
	stdout, stderr, err := e.run(ctx, args, nil)
	if err != nil {
		return Summary{}, fmt.Errorf("%w: backup %s: %v: %s", ErrSnapshot, path, err, strings.TrimSpace(stderr))
	}
	sum, err := parseBackupSummary(stdout)
	if err != nil {
		return Summary{}, fmt.Errorf("%w: backup %s: %v", ErrSnapshot, path, err)
	}
	sum.Path = path
	return sum, nil
}

// BackupStream snapshots the reader's content under the given virtual
// filename (`restic backup --stdin`). restic stores stdin snapshots under an
// absolute path derived from the filename, which becomes the identity.
func (e *Engine) BackupStream(ctx context.Context, filename string, tagSet []string, r io.Reader) (Summary, error) {
	args := []string{"backup", "--json", "--stdin", "--stdin-filename", filename}
	for _, tag := range tagSet {
		args = append(args, "--tag", tag)
	}
	stdout, stderr, err := e.run(ctx, args, r)
	if err != nil {
		return Summary{}, fmt.Errorf("%w: backup stream %s: %v: %s", ErrSnapshot, filename, err, strings.TrimSpace(stderr))
	}
	sum, err := parseBackupSummary(stdout)
	if err != nil {
		return Summary{}, fmt.Errorf("%w: backup stream %s: %v", ErrSnapshot, filename, err)
	}
	sum.Path = StreamIdentity(filename)
	return sum, nil
}

// StreamIdentity is the path identity restic assigns to a --stdin snapshot.
func StreamIdentity(filename string) string {
	if strings.HasPrefix(filename, "/") {
		return filename
	}
	return "/" + filename
}

// parseBackupSummary extracts the summary message from `backup --json`
// line-delimited output.
func parseBackupSummary(stdout string) (Summary, error) {
	type message struct {
		MessageType         string `json:"message_type"`
		SnapshotID          string `json:"snapshot_id"`
		TotalBytesProcessed int64  `json:"total_bytes_processed"`
	}
	var last *message
	dec := json.NewDecoder(strings.NewReader(stdout))
	for {
		var m message
		if err := dec.Decode(&m); err == io.EOF {
			break
		} else if err != nil {
			return Summary{}, fmt.Errorf("parse backup output: %w", err)
		}
		if m.MessageType == "summary" {
			last = &m
		}
	}
	if last == nil {
		return Summary{}, errors.New("no summary message in backup output")
	}
	return Summary{SnapshotID: last.SnapshotID, SizeBytes: last.TotalBytesProcessed}, nil
}

// Snapshot mirrors one entry of `restic snapshots --json`.
type Snapshot struct {
	ID       string    `json:"id"`
	ShortID  string    `json:"short_id"`
	Time     time.Time `json:"time"`
	Hostname string    `json:"hostname"`
	Tags     []string  `json:"tags"`
	Paths    []string  `json:"paths"`
}

// TagMap converts a snapshot's key=value tags into a map.
func (s Snapshot) TagMap() map[string]string {
	out := make(map[string]string, len(s.Tags))
	for _, tag := range s.Tags {
		if k, v, ok := strings.Cut(tag, "="); ok {
			out[k] = v
		} else {
			out[tag] = ""
		}
	}
	return out
}

// ListSnapshots returns snapshots matching all of the given tag filters
// (restic ANDs comma-joined tags within one --tag flag), sorted by time.
func (e *Engine) ListSnapshots(ctx context.Context, filters []string) ([]Snapshot, error) {
	args := []string{"snapshots", "--json"}
	if len(filters) > 0 {
		args = append(args, "--tag", strings.Join(filters, ","))
	}
	stdout, stderr, err := e.run(ctx, args, nil)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w: %s", err, strings.TrimSpace(stderr))
	}
	var snaps []Snapshot
	if err := json.Unmarshal([]byte(stdout), &snaps); err != nil {
		return nil, fmt.Errorf("parse snapshots json: %w", err)
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Time.Before(snaps[j].Time) })
	return snaps, nil
}

// ApplyRetention runs `restic forget` with the configured keep counts
// against one retention target. The target's path and tag filters are the
// ones recorded at snapshot creation; substituting anything else makes
// forget match nothing and pruning silently stops working.
func (e *Engine) ApplyRetention(ctx context.Context, target tags.RetentionTarget, policy config.RetentionConfig) error {
	if !policy.Enabled() {
		return nil
	}
	args := forgetArgs(target, policy)
	if _, stderr, err := e.run(ctx, args, nil); err != nil {
		return fmt.Errorf("%w: target %s: %v: %s", ErrPolicyApply, target.Path, err, strings.TrimSpace(stderr))
	}
	return nil
}

func forgetArgs(target tags.RetentionTarget, policy config.RetentionConfig) []string {
	args := []string{"forget", "--path", target.Path, "--tag", strings.Join(target.FilterTags(), ",")}
	if policy.Daily > 0 {
		args = append(args, "--keep-daily", strconv.Itoa(policy.Daily))
	}
	if policy.Weekly > 0 {
		args = append(args, "--keep-weekly", strconv.Itoa(policy.Weekly))
	}
	if policy.Monthly > 0 {
		args = append(args, "--keep-monthly", strconv.Itoa(policy.Monthly))
	}
	if policy.Yearly > 0 {
		args = append(args, "--keep-yearly", strconv.Itoa(policy.Yearly))
	}
	return args
}

// Restore materializes a snapshot under targetDir, preserving ownership and
// permission metadata (restic restores them by default when run as root).
func (e *Engine) Restore(ctx context.Context, snapshotID, targetDir string) error {
	if _, stderr, err := e.run(ctx, []string{"restore", snapshotID, "--target", targetDir}, nil); err != nil {
		return fmt.Errorf("restore %s: %w: %s", snapshotID, err, strings.TrimSpace(stderr))
	}
	return nil
}

// Dump streams one file out of a snapshot.
func (e *Engine) Dump(ctx context.Context, snapshotID, path string, w io.Writer) error {
	cmd := exec.CommandContext(ctx, e.bin, "dump", snapshotID, path)
	cmd.Env = e.env()
	cmd.Stdout = w
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("dump %s:%s: %w: %s", snapshotID, path, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// Forget removes the given snapshot IDs from the repository.
func (e *Engine) Forget(ctx context.Context, snapshotIDs []string) error {
	if len(snapshotIDs) == 0 {
		return nil
	}
	args := append([]string{"forget"}, snapshotIDs...)
	if _, stderr, err := e.run(ctx, args, nil); err != nil {
		return fmt.Errorf("forget snapshots: %w: %s", err, strings.TrimSpace(stderr))
	}
	return nil
}
