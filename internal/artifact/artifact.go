// SPDX-FileCopyrightText: 2026 The Aero Authors
//
// SPDX-License-Identifier: MIT

// Package artifact bundles the run's log files into a single cpio archive
// suitable for CI artifact upload.
package artifact

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/cavaliergopher/cpio"
)

// Bundle writes a cpio archive of the given files to path.
//
// Files that do not exist are skipped silently; a run that failed before
// the hypervisor started only has the sidecar log, and the bundle must
// still be produced. Archive entries carry the file's base name only.
func Bundle(path string, files ...string) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create bundle: %w", err)
	}

	writer := cpio.NewWriter(out)

	for _, file := range files {
		if err := writeFile(writer, file); err != nil {
			writer.Close()
			out.Close()

			return err
		}
	}

	if err := writer.Close(); err != nil {
		out.Close()
		return fmt.Errorf("close bundle: %w", err)
	}

	if err := out.Close(); err != nil {
		return fmt.Errorf("close bundle file: %w", err)
	}

	return nil
}

func writeFile(writer *cpio.Writer, path string) error {
	file, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	header := &cpio.Header{
		Name:    filepath.Base(path),
		Mode:    cpio.TypeReg | 0o644,
		Size:    info.Size(),
		ModTime: time.Now(),
	}

	if err := writer.WriteHeader(header); err != nil {
		return fmt.Errorf("write header for %s: %w", path, err)
	}

	if _, err := io.Copy(writer, file); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	return nil
}
