package backup

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kebairia/stackback/internal/discover"
	"github.com/kebairia/stackback/internal/runtime"
)

// RedactionMarker replaces every secret-like environment value in a recipe.
// The original value never appears in any form, not even hashed.
const RedactionMarker = "**REDACTED**"

var secretKeyPattern = regexp.MustCompile(`(?i)(pass(word|phrase)?|secret|token|api_?key|private_?key|credential|auth)`)

// RecipeDoc is the serialized descriptor needed to recreate a unit's
// containers: the compose file (when the stack still has one) plus a
// normalized inspection record per container.
type RecipeDoc struct {
	Unit           string              `yaml:"unit"`
	BackupID       string              `yaml:"backup_id"`
	GeneratedAt    time.Time           `yaml:"generated_at"`
	ComposeFile    string              `yaml:"compose_file,omitempty"`
	ComposeContent string              `yaml:"compose_content,omitempty"`
	Containers     []runtime.Container `yaml:"containers"`
}

// BuildRecipe serializes the unit descriptor with secret-like environment
// values redacted. A stack whose compose file has gone missing still gets a
// recipe; the descriptor is simply absent.
func BuildRecipe(unit discover.BackupUnit, run *Run) ([]byte, error) {
	doc := RecipeDoc{
		Unit:        unit.Name,
		BackupID:    run.ID,
		GeneratedAt: run.Started,
		ComposeFile: unit.ComposeFile,
	}
	if unit.ComposeFile != "" {
		if data, err := os.ReadFile(unit.ComposeFile); err == nil {
			doc.ComposeContent = string(data)
		}
	}
	doc.Containers = make([]runtime.Container, len(unit.Containers))
	for i, c := range unit.Containers {
		doc.Containers[i] = redactContainer(c)
	}

	out, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal recipe for %s: %w", unit.Name, err)
	}
	return out, nil
}

// redactContainer returns a copy of c with secret-like env values replaced.
func redactContainer(c runtime.Container) runtime.Container {
	if len(c.Env) == 0 {
		return c
	}
	env := make([]string, len(c.Env))
	for i, kv := range c.Env {
		key, _, ok := strings.Cut(kv, "=")
		if ok && secretKeyPattern.MatchString(key) {
			env[i] = key + "=" + RedactionMarker
		} else {
			env[i] = kv
		}
	}
	c.Env = env
	return c
}
