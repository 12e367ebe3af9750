package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const clientIDFile = "client_id"

// errNoStateDir is returned with an ephemeral id when there is nowhere to
// persist one.
var errNoStateDir = errors.New("no state dir")

// clientID returns the telemetry client id kept in stateDir, minting and
// saving a new one when the file is missing or does not hold a uuid. On error
// the returned id is still usable for this process but was not persisted.
func clientID(stateDir string) (string, error) {
	if stateDir == "" {
		return uuid.NewString(), errNoStateDir
	}
	path := filepath.Join(stateDir, clientIDFile)

	stored, err := readClientID(path)
	switch {
	case err == nil:
		return stored, nil
	case !errors.Is(err, fs.ErrNotExist) && !errors.Is(err, errMalformedClientID):
		return uuid.NewString(), fmt.Errorf("read %s: %w", path, err)
	}

	id := uuid.NewString()
	if err := writeClientID(path, id); err != nil {
		return id, err
	}
	return id, nil
}

var errMalformedClientID = errors.New("malformed client id")

func readClientID(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	id := strings.TrimSpace(string(data))
	if uuid.Validate(id) != nil {
		return "", fmt.Errorf("%s: %w", path, errMalformedClientID)
	}
	return id, nil
}

func writeClientID(path, id string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
