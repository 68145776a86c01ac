package preload

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger     *zap.Logger
	loggerOnce sync.Once
)

// Logger returns the preload package's logger instance.
// By default only errors are logged, to stderr, so that a misconfigured
// process says why it exits.
func Logger() *zap.Logger {
	loggerOnce.Do(func() {
		if logger == nil {
			logger = newErrorLogger(zapcore.Lock(os.Stderr))
		}
	})
	return logger
}

func newErrorLogger(w zapcore.WriteSyncer) *zap.Logger {
	enc := zap.NewProductionEncoderConfig()
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), w, zap.ErrorLevel)
	return zap.New(core).Named("vfspreload")
}

// SetLogger configures the preload package's logger.
// This must be called before Default.
func SetLogger(l *zap.Logger) {
	logger = l
}
