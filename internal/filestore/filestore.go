// Package filestore persists JSON documents under the cache directory.
package filestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const (
	// PrivateFileMode restricts a file to its owner. Used for credentials.
	PrivateFileMode fs.FileMode = 0o600
	// SharedFileMode is used for non-secret state.
	SharedFileMode fs.FileMode = 0o644

	directoryMode       fs.FileMode = 0o700
	temporaryFilePrefix             = ".tmp-"

	errMessageCreateDirectory = "failed to create cache directory"
	errMessageEncodeDocument  = "failed to encode document"
	errMessageWriteTemporary  = "failed to write temporary file"
	errMessageReplaceFile     = "failed to replace file"
	errMessageReadDocument    = "failed to read document"
	errMessageDecodeDocument  = "failed to decode document"
)

// ReadJSON decodes the file at path into target. It reports false when the file does not exist.
func ReadJSON(path string, target any) (bool, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("%s: %w", errMessageReadDocument, err)
	}
	if err := json.Unmarshal(content, target); err != nil {
		return false, fmt.Errorf("%w %s: %w", ErrCorrupt, path, err)
	}
	return true, nil
}

// WriteJSON encodes value and replaces path atomically: the document is written to a
// temporary file in the same directory, synced, then renamed over the target.
func WriteJSON(path string, value any, mode fs.FileMode) error {
	directory := filepath.Dir(path)
	if err := os.MkdirAll(directory, directoryMode); err != nil {
		return fmt.Errorf("%s: %w", errMessageCreateDirectory, err)
	}
	content, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("%s: %w", errMessageEncodeDocument, err)
	}

	temporaryFile, err := os.CreateTemp(directory, temporaryFilePrefix+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("%s: %w", errMessageWriteTemporary, err)
	}
	temporaryPath := temporaryFile.Name()
	cleanup := func() {
		_ = os.Remove(temporaryPath)
	}

	if _, err := temporaryFile.Write(content); err != nil {
		temporaryFile.Close()
		cleanup()
		return fmt.Errorf("%s: %w", errMessageWriteTemporary, err)
	}
	if err := temporaryFile.Chmod(mode); err != nil {
		temporaryFile.Close()
		cleanup()
		return fmt.Errorf("%s: %w", errMessageWriteTemporary, err)
	}
	if err := temporaryFile.Sync(); err != nil {
		temporaryFile.Close()
		cleanup()
		return fmt.Errorf("%s: %w", errMessageWriteTemporary, err)
	}
	if err := temporaryFile.Close(); err != nil {
		cleanup()
		return fmt.Errorf("%s: %w", errMessageWriteTemporary, err)
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		cleanup()
		return fmt.Errorf("%s: %w", errMessageReplaceFile, err)
	}
	return nil
}
