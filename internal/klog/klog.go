// Package klog wires the kernel's logging facade: github.com/go-logr/logr
// backed by go.uber.org/zap via github.com/go-logr/zapr, matching the
// logging stack used by jra3-system-agent. There is no package-level
// logger; boot.Kernel holds one root logger, adds values to it with
// WithValues, and passes it explicitly to proc.NewManager. No named child
// loggers are created.
package klog

import (
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a root logr.Logger on zap's production config, at info
// level. When debug is set, the minimum level is lowered to debug and
// zap's development mode is enabled.
func New(debug bool) (logr.Logger, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		cfg.Development = true
	}
	zl, err := cfg.Build()
	if err != nil {
		return logr.Discard(), err
	}
	return zapr.NewLogger(zl), nil
}

// Discard returns a logger that drops everything, for tests that don't
// care about log output.
func Discard() logr.Logger {
	return logr.Discard()
}
