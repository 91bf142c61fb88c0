// Package bootstrap seeds the well-known agent files (prompt, memory,
// notes) into a fresh agent directory from embedded templates.
package bootstrap

import (
	"embed"
	"os"
	"path/filepath"
)

//go:embed templates/*.md
var templateFS embed.FS

// templateFiles mirrors the agent store's well-known file set.
var templateFiles = []string{"prompt.md", "memory.md", "notes.md"}

// ReadTemplate returns the content of an embedded template file.
func ReadTemplate(name string) (string, error) {
	content, err := templateFS.ReadFile(filepath.Join("templates", name))
	if err != nil {
		return "", err
	}
	return string(content), nil
}

// EnsureAgentFiles seeds template files into an agent directory. Existing
// files are never overwritten. Returns the names of files created.
func EnsureAgentFiles(agentDir string) ([]string, error) {
	if err := os.MkdirAll(agentDir, 0o755); err != nil {
		return nil, err
	}

	var created []string
	for _, name := range templateFiles {
		ok, err := seedTemplate(agentDir, name)
		if err != nil {
			return created, err
		}
		if ok {
			created = append(created, name)
		}
	}
	return created, nil
}

// seedTemplate writes one template if absent. O_EXCL makes the existence
// check and the create atomic.
func seedTemplate(agentDir, name string) (bool, error) {
	dstPath := filepath.Join(agentDir, name)

	f, err := os.OpenFile(dstPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	content, err := templateFS.ReadFile(filepath.Join("templates", name))
	if err != nil {
		os.Remove(dstPath)
		return false, err
	}
	if _, err := f.Write(content); err != nil {
		return false, err
	}
	return true, nil
}
