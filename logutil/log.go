// Package logutil wires the process-wide zap logger from configuration.
package logutil

import (
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Init replaces the global logger. file may be empty to log to stderr; when
// set, output rotates by size.
func Init(level, file string) error {
	cfg := &log.Config{Level: level}
	if file != "" {
		cfg.File = log.FileLogConfig{Filename: file, MaxSize: 100}
	}
	lg, props, err := log.InitLogger(cfg, zap.AddStacktrace(zapcore.FatalLevel))
	if err != nil {
		return errors.Annotate(err, "init logger")
	}
	log.ReplaceGlobals(lg, props)
	return nil
}
