package backup

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/kebairia/stackback/internal/discover"
	"github.com/kebairia/stackback/internal/runtime"
	"github.com/kebairia/stackback/internal/tags"
)

func TestBuildRecipe_RedactsSecretEnv(t *testing.T) {
	unit := discover.BackupUnit{
		Name: "web",
		Containers: []runtime.Container{{
			ID:   "c1",
			Name: "web-1",
			Env: []string{
				"DB_PASSWORD=hunter2",
				"API_TOKEN=abcd",
				"AWS_SECRET_ACCESS_KEY=xyz",
				"PATH=/usr/bin",
				"APP_MODE=production",
			},
		}},
	}
	out, err := BuildRecipe(unit, NewRun(tags.ScopeStandard))
	if err != nil {
		t.Fatalf("BuildRecipe: %v", err)
	}
	text := string(out)

	for _, secret := range []string{"hunter2", "abcd", "xyz"} {
		if strings.Contains(text, secret) {
			t.Errorf("recipe leaks secret value %q", secret)
		}
	}
	if !strings.Contains(text, "DB_PASSWORD="+RedactionMarker) {
		t.Error("DB_PASSWORD not replaced with the redaction marker")
	}
	if !strings.Contains(text, "PATH=/usr/bin") || !strings.Contains(text, "APP_MODE=production") {
		t.Error("non-secret env values must survive unchanged")
	}
}

func TestBuildRecipe_EmbedsComposeDescriptor(t *testing.T) {
	dir := t.TempDir()
	composePath := filepath.Join(dir, "docker-compose.yml")
	compose := "services:\n  web:\n    image: nginx\n"
	if err := os.WriteFile(composePath, []byte(compose), 0o644); err != nil {
		t.Fatalf("write compose: %v", err)
	}

	unit := discover.BackupUnit{
		Name:        "shop",
		Stack:       true,
		ComposeFile: composePath,
		Containers:  []runtime.Container{{ID: "c1", Name: "shop-web-1"}},
	}
	out, err := BuildRecipe(unit, NewRun(tags.ScopeStandard))
	if err != nil {
		t.Fatalf("BuildRecipe: %v", err)
	}

	var doc RecipeDoc
	if err := yaml.Unmarshal(out, &doc); err != nil {
		t.Fatalf("unmarshal recipe: %v", err)
	}
	if doc.ComposeContent != compose {
		t.Errorf("compose content = %q, want original descriptor", doc.ComposeContent)
	}
}

func TestBuildRecipe_MissingComposeFileStillFormsRecipe(t *testing.T) {
	unit := discover.BackupUnit{
		Name:        "shop",
		Stack:       true,
		ComposeFile: "/nonexistent/docker-compose.yml",
		Containers:  []runtime.Container{{ID: "c1", Name: "shop-web-1"}},
	}
	out, err := BuildRecipe(unit, NewRun(tags.ScopeStandard))
	if err != nil {
		t.Fatalf("BuildRecipe: %v", err)
	}
	var doc RecipeDoc
	if err := yaml.Unmarshal(out, &doc); err != nil {
		t.Fatalf("unmarshal recipe: %v", err)
	}
	if doc.ComposeContent != "" {
		t.Error("compose content should be absent when the descriptor is gone")
	}
	if len(doc.Containers) != 1 {
		t.Error("containers missing from recipe")
	}
}
