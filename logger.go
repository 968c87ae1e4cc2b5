package weakref

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	logger     atomic.Pointer[zap.Logger]
	loggerOnce sync.Once
)

// Logger returns the package logger. It is a no-op logger unless
// SetLogger was called.
func Logger() *zap.Logger {
	loggerOnce.Do(func() {
		logger.CompareAndSwap(nil, zap.NewNop())
	})
	return logger.Load()
}

// SetLogger configures the package logger. It is safe to call
// concurrently with Logger.
// Containers created before the call keep the logger they were built with.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}

	logger.Store(l)
}
