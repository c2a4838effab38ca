// SPDX-FileCopyrightText: 2026 The Aero Authors
//
// SPDX-License-Identifier: MIT

package cmd

import (
	"io"

	"github.com/rs/zerolog"
)

// setupLogging builds the root logger. Logs go to stderr so stdout stays
// reserved for the host marker stream.
func setupLogging(writer io.Writer, debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}

	return zerolog.New(zerolog.ConsoleWriter{Out: writer}).
		Level(level).
		With().
		Timestamp().
		Logger()
}
