/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package logging provides shared logger initialization for keyfold
// consumers. Every store component takes a *zap.SugaredLogger; this package
// builds one matching the deployment environment.
package logging

import (
	"os"

	"go.uber.org/zap"

	"github.com/keyfold/keyfold/pkg/auth/encryption"
)

// New creates a *zap.SugaredLogger for the given deployment environment
// ("development", "production", "testing"). detailed lowers the level to
// debug. The LOG_LEVEL environment variable ("debug" or "trace") overrides
// both. Returns the logger and a sync function the caller should defer.
func New(environment string, detailed bool) (*zap.SugaredLogger, func(), error) {
	logger, err := newZapLogger(environment, detailed, os.Getenv("LOG_LEVEL"))
	if err != nil {
		return nil, nil, err
	}
	sync := func() { _ = logger.Sync() }
	return logger.Sugar(), sync, nil
}

// Nop returns a no-op logger, for tests and callers that pass no logger.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func newZapLogger(environment string, detailed bool, level string) (*zap.Logger, error) {
	debug := detailed || level == "debug" || level == "trace"

	switch environment {
	case encryption.EnvProduction:
		cfg := zap.NewProductionConfig()
		if debug {
			cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		}
		return cfg.Build()
	case encryption.EnvTesting:
		return zap.NewNop(), nil
	default:
		cfg := zap.NewDevelopmentConfig()
		if debug {
			cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		}
		return cfg.Build()
	}
}
