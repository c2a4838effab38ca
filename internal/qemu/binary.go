// SPDX-FileCopyrightText: 2026 The Aero Authors
//
// SPDX-License-Identifier: MIT

package qemu

import (
	"errors"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
)

// ResolveBinary resolves the hypervisor binary to an absolute path.
//
// A bare name is looked up on PATH. A path containing a separator is checked
// directly. The returned error distinguishes the four failure modes so the
// caller can print a useful hint instead of a generic exec failure.
func ResolveBinary(binary string) (string, error) {
	if binary == "" {
		return "", &BinaryError{Path: binary, Err: ErrBinaryPathEmpty}
	}

	if filepath.Base(binary) == binary {
		path, err := exec.LookPath(binary)
		if err != nil {
			return "", &BinaryError{Path: binary, Err: ErrBinaryNotOnPath}
		}

		return path, nil
	}

	info, err := os.Stat(binary)

	switch {
	case errors.Is(err, fs.ErrNotExist):
		return "", &BinaryError{Path: binary, Err: ErrBinaryMissing}
	case err != nil:
		return "", &BinaryError{Path: binary, Err: err}
	case info.IsDir():
		return "", &BinaryError{Path: binary, Err: ErrBinaryIsDirectory}
	}

	return filepath.Abs(binary)
}
