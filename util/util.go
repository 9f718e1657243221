// Package util holds small arithmetic helpers and the logger constructor
// shared across this module.
package util

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// RoundUp divides n by sz, rounding up.
func RoundUp(n, sz uint64) uint64 {
	return (n + sz - 1) / sz
}

// AlignUp rounds n up to the next multiple of align. align must be a power
// of two; callers validate this at configuration time.
func AlignUp(n uint64, align uint64) uint64 {
	return (n + align - 1) &^ (align - 1)
}

// Min returns the smaller of n and m.
func Min(n, m uint64) uint64 {
	if n < m {
		return n
	}
	return m
}

// NewLogger builds the *zap.Logger every package in this module logs
// through. debug enables Debug-level output.
func NewLogger(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}
