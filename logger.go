// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package accel

import (
	"sync/atomic"

	"go.uber.org/zap"
)

var logger atomic.Pointer[zap.Logger]

// Logger returns the package logger. It is a no-op logger until SetLogger
// is called.
func Logger() *zap.Logger {
	if l := logger.Load(); l != nil {
		return l
	}
	return zap.NewNop()
}

// SetLogger replaces the package logger. Components that were given their
// own logger through an option keep using it.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	logger.Store(l)
}

func loggerOr(l *zap.Logger) *zap.Logger {
	if l != nil {
		return l
	}
	return Logger()
}
