// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package run

import (
	"log/slog"

	"github.com/tombee/cascade/internal/handler"
	"github.com/tombee/cascade/internal/log"
	"github.com/tombee/cascade/pkg/secrets"
)

// Environment extends the handler-facing port with the logging entry point
// embedding callers may use. Log routes through the run's masking logger,
// so values derived from secrets never reach the transport unredacted.
type Environment interface {
	handler.Environment
	Log(message, level string)
}

// NewEnvironment joins a handler.Environment with a logger into the full
// port. Wrap the logger with the run's masker (maskedLogger) when the
// caller logs values derived from secrets.
func NewEnvironment(base handler.Environment, logger *slog.Logger) Environment {
	if logger == nil {
		logger = slog.Default()
	}
	return &portEnvironment{Environment: base, logger: logger}
}

// portEnvironment adapts a handler.Environment plus a masked logger into
// the full port.
type portEnvironment struct {
	handler.Environment
	logger *slog.Logger
}

func (p *portEnvironment) Log(message, level string) {
	switch level {
	case "warn", "warning":
		p.logger.Warn(message)
	case "error":
		p.logger.Error(message)
	default:
		p.logger.Info(message)
	}
}

// maskedLogger wraps the base logger's handler with the run's masker so
// every record is redacted before it reaches the transport.
func maskedLogger(base *slog.Logger, masker *secrets.Masker) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return slog.New(log.NewMaskingHandler(base.Handler(), masker))
}
