// Copyright (c) 2025 PeerCrypt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package receiver

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// maxNameLength bounds a session ID or a transferred file's base name used
// as a path component, following the same defense the teacher applies in
// internal/server/sanitize.go.
const maxNameLength = 255

// validateNameComponent rejects a name that is unsafe to use as a single
// path component: empty, too long, containing a path separator or NUL byte,
// a traversal token, or a leading dot (hidden file).
func validateNameComponent(name, field string) error {
	if name == "" {
		return fmt.Errorf("receiver: %s cannot be empty", field)
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("receiver: %s exceeds max length %d", field, maxNameLength)
	}
	if strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("receiver: %s contains a path separator", field)
	}
	if strings.ContainsRune(name, 0) {
		return fmt.Errorf("receiver: %s contains a null byte", field)
	}
	if name == "." || name == ".." || strings.HasPrefix(name, "..") {
		return fmt.Errorf("receiver: %s contains path traversal", field)
	}
	if strings.HasPrefix(name, ".") {
		return fmt.Errorf("receiver: %s starts with a dot", field)
	}
	return nil
}

// SessionOutputPath validates sessionID and fileName as safe path components
// and returns the staging path under dataDir where the assembled bytes are
// written during the transfer (before the atomic rename to the final name).
func SessionOutputPath(dataDir, sessionID, fileName string) (string, error) {
	if err := validateNameComponent(sessionID, "session id"); err != nil {
		return "", err
	}
	if err := validateNameComponent(fileName, "file name"); err != nil {
		return "", err
	}

	path := filepath.Join(dataDir, sessionID+".part")
	if err := validatePathInBaseDir(dataDir, path); err != nil {
		return "", err
	}
	return path, nil
}

// FinalPath returns the final, human-readable path a completed transfer is
// renamed to: dataDir/fileName, re-validated against traversal.
func FinalPath(dataDir, fileName string) (string, error) {
	if err := validateNameComponent(fileName, "file name"); err != nil {
		return "", err
	}
	path := filepath.Join(dataDir, fileName)
	if err := validatePathInBaseDir(dataDir, path); err != nil {
		return "", err
	}
	return path, nil
}

// validatePathInBaseDir verifies that resolvedPath stays within baseDir,
// defense in depth against path traversal beyond the component checks above.
func validatePathInBaseDir(baseDir, resolvedPath string) error {
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return fmt.Errorf("receiver: resolving base dir: %w", err)
	}
	absResolved, err := filepath.Abs(resolvedPath)
	if err != nil {
		return fmt.Errorf("receiver: resolving target path: %w", err)
	}
	rel, err := filepath.Rel(absBase, absResolved)
	if err != nil || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("receiver: path %q escapes base directory %q", resolvedPath, baseDir)
	}
	return nil
}

// CommitOutput renames the staging file to its final name once a transfer
// completes successfully, creating dataDir if necessary.
func CommitOutput(stagingPath, finalPath string) error {
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return fmt.Errorf("receiver: creating output directory: %w", err)
	}
	if err := os.Rename(stagingPath, finalPath); err != nil {
		return fmt.Errorf("receiver: committing output: %w", err)
	}
	return nil
}
