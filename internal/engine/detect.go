package engine

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// MinVersion is the oldest restic release whose tag and JSON output this
// package understands.
const MinVersion = "0.16.0"

// ErrBinaryMissing indicates restic is not installed or too old. Callers map
// this to the dependency-precondition exit code.
var ErrBinaryMissing = errors.New("restic binary unavailable")

var versionRe = regexp.MustCompile(`restic\s+([0-9]+\.[0-9]+\.[0-9]+)`)

// Detect locates restic on PATH and verifies its version.
func Detect(ctx context.Context) (string, error) {
	bin, err := exec.LookPath("restic")
	if err != nil {
		return "", fmt.Errorf("%w: not found on PATH", ErrBinaryMissing)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	out, err := exec.CommandContext(ctx, bin, "version").CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%w: version query failed: %v", ErrBinaryMissing, err)
	}
	m := versionRe.FindStringSubmatch(string(out))
	if m == nil {
		return "", fmt.Errorf("%w: could not parse version from %q", ErrBinaryMissing, strings.TrimSpace(string(out)))
	}
	if !versionAtLeast(m[1], MinVersion) {
		return "", fmt.Errorf("%w: version %s is older than required %s", ErrBinaryMissing, m[1], MinVersion)
	}
	return bin, nil
}

func versionAtLeast(have, want string) bool {
	h, w := splitVersion(have), splitVersion(want)
	for i := 0; i < 3; i++ {
		if h[i] != w[i] {
			return h[i] > w[i]
		}
	}
	return true
}

func splitVersion(v string) [3]int {
	var out [3]int
	for i, part := range strings.SplitN(v, ".", 3) {
		n, _ := strconv.Atoi(part)
		out[i] = n
	}
	return out
}
