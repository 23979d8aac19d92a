// Package clientid manages the stable identity this watcher presents to the
// audit service. The ID is a UUIDv4 generated once and persisted to disk so
// event-stream subscriptions survive restarts.
package clientid

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// DefaultPath returns the platform-default location of the client ID file.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("clientid: resolve config dir: %w", err)
	}
	return filepath.Join(dir, "auditwatch", "client-id"), nil
}

// Load returns the persisted client ID at path, generating and saving a new
// one when the file does not exist. A corrupt file is an error, not a silent
// regeneration: regenerating would orphan server-side subscriptions.
func Load(path string) (string, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return "", err
		}
		path = p
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return generate(path)
	case err != nil:
		return "", fmt.Errorf("clientid: read %s: %w", path, err)
	}

	id := strings.TrimSpace(string(data))
	if _, err := uuid.Parse(id); err != nil {
		return "", fmt.Errorf("clientid: %s holds an invalid id: %w", path, err)
	}
	return id, nil
}

func generate(path string) (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("clientid: generate: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("clientid: create dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("clientid: write %s: %w", path, err)
	}
	return id.String(), nil
}
