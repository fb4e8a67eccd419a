/*
 * Copyright 2019 Dgraph Labs, Inc. and Contributors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package logging wires every long-lived collaborator in Twicorder to a
// component-scoped zerolog.Logger instead of the stdlib log package.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Level is a user-facing log level name, as read from runtime config.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls the global logger set up by Init.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

var base zerolog.Logger

func init() {
	// Sane default so components created before Init (tests, early CLI
	// parsing errors) still log somewhere.
	base = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
}

// Init replaces the package's base logger. Call once at process startup
// after config has been loaded.
func Init(cfg Config) {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		base = zerolog.New(output).With().Timestamp().Logger()
		return
	}
	base = zerolog.New(zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with the given component name,
// e.g. logging.WithComponent("exchange").
func WithComponent(component string) zerolog.Logger {
	return base.With().Str("component", component).Logger()
}

// WithEndpoint returns a child logger tagged with a query endpoint, used by
// per-endpoint exchange workers.
func WithEndpoint(component, endpoint string) zerolog.Logger {
	return base.With().Str("component", component).Str("endpoint", endpoint).Logger()
}
