package obs

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	loggerMu sync.Mutex
	logger   *logrus.Logger
)

// LogOptions configures the shared logger.
type LogOptions struct {
	Level  string // trace|debug|info|warning|error|fatal
	Format string // text|json
}

// InitLogger configures the process-wide structured logger.
func InitLogger(opts LogOptions) *logrus.Logger {
	l := logrus.New()
	switch opts.Level {
	case "trace":
		l.SetLevel(logrus.TraceLevel)
	case "debug":
		l.SetLevel(logrus.DebugLevel)
	case "warning", "warn":
		l.SetLevel(logrus.WarnLevel)
	case "error":
		l.SetLevel(logrus.ErrorLevel)
	case "fatal":
		l.SetLevel(logrus.FatalLevel)
	default:
		l.SetLevel(logrus.InfoLevel)
	}
	if opts.Format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	}
	l.SetOutput(os.Stdout)

	loggerMu.Lock()
	logger = l
	loggerMu.Unlock()
	return l
}

// Logger returns the shared logger, initializing defaults on first use.
func Logger() *logrus.Logger {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	if logger == nil {
		logger = logrus.New()
	}
	return logger
}
