package server

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
)

// LiveReloadFile is the name the client script is written under
const LiveReloadFile = "live-reload.js"

//go:embed live-reload.js
var liveReloadScript []byte

// WriteLiveReloadClient writes the client script into dir and returns its path
// so the bundler can inject it
func WriteLiveReloadClient(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create cache directory: %w", err)
	}

	path := filepath.Join(dir, LiveReloadFile)
	if existing, err := os.ReadFile(path); err == nil && string(existing) == string(liveReloadScript) {
		return path, nil
	}
	if err := os.WriteFile(path, liveReloadScript, 0o644); err != nil {
		return "", fmt.Errorf("failed to write live reload client: %w", err)
	}
	return path, nil
}
