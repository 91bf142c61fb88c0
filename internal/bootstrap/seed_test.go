package bootstrap

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEnsureAgentFilesSeedsOnce(t *testing.T) {
	dir := t.TempDir()

	created, err := EnsureAgentFiles(dir)
	if err != nil {
		t.Fatalf("EnsureAgentFiles: %v", err)
	}
	if len(created) != len(templateFiles) {
		t.Fatalf("created = %v, want all of %v", created, templateFiles)
	}

	// Second run must be a no-op.
	created, err = EnsureAgentFiles(dir)
	if err != nil {
		t.Fatalf("EnsureAgentFiles (rerun): %v", err)
	}
	if len(created) != 0 {
		t.Fatalf("rerun created = %v, want none", created)
	}
}

func TestEnsureAgentFilesKeepsEdits(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prompt.md")
	if err := os.WriteFile(path, []byte("edited"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := EnsureAgentFiles(dir); err != nil {
		t.Fatalf("EnsureAgentFiles: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "edited" {
		t.Fatalf("prompt.md overwritten: %q", data)
	}
}

func TestReadTemplate(t *testing.T) {
	for _, name := range templateFiles {
		content, err := ReadTemplate(name)
		if err != nil {
			t.Fatalf("ReadTemplate(%s): %v", name, err)
		}
		if content == "" {
			t.Fatalf("ReadTemplate(%s) returned empty content", name)
		}
	}
}
