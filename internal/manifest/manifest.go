// Package manifest stores and publishes run manifests.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/picklr-io/rollout/internal/ir"
)

const latestFile = "latest.json"

// DefaultDir is where manifests of env are kept locally.
func DefaultDir(env string) string {
	return filepath.Join(".rollout", env, "manifests")
}

// Encode renders m as indented JSON.
func Encode(m *ir.Manifest) ([]byte, error) {
	content, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}
	return append(content, '\n'), nil
}

// WriteLocal stores m as <dir>/<run id>.json and as <dir>/latest.json. It
// returns the path of the run file.
func WriteLocal(dir string, m *ir.Manifest) (string, error) {
	content, err := Encode(m)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create manifest directory: %w", err)
	}

	path := filepath.Join(dir, m.RunID+".json")
	if err := os.WriteFile(path, content, 0644); err != nil {
		return "", fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, latestFile), content, 0644); err != nil {
		return "", fmt.Errorf("failed to write latest manifest: %w", err)
	}
	return path, nil
}

// ErrNoManifest is returned when no run has been recorded yet.
var ErrNoManifest = errors.New("no manifest found")

// Read loads the manifest at path.
func Read(path string) (*ir.Manifest, error) {
	content, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w at %s", ErrNoManifest, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m ir.Manifest
	if err := json.Unmarshal(content, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	return &m, nil
}

// ReadLatest loads the most recent manifest in dir.
func ReadLatest(dir string) (*ir.Manifest, error) {
	return Read(filepath.Join(dir, latestFile))
}

// Summary returns a one-line human description of m.
func Summary(m *ir.Manifest) string {
	s := m.Summary
	outcome := "succeeded"
	if !m.Succeeded() {
		outcome = "failed"
	}
	parts := []string{
		fmt.Sprintf("%d deployed (%d reused)", s.Deployed, s.Reused),
		fmt.Sprintf("%d applied (%d unchanged)", s.Applied, s.Unchanged),
		fmt.Sprintf("%d failed", s.Failed),
		fmt.Sprintf("%d blocked", s.Blocked),
	}
	return fmt.Sprintf("run %s on %s %s: %s", m.RunID, m.Environment, outcome, strings.Join(parts, ", "))
}
