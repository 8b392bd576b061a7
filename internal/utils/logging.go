package utils

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the process-wide logger. Packages derive component loggers from it.
var Logger = logrus.New()

// InitLogging sets the output format and level. Unknown levels fall back to info.
func InitLogging(level string) {
	Logger.SetOutput(os.Stdout)
	Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		Logger.Warnf("unknown log level %q, using info", level)
		lvl = logrus.InfoLevel
	}
	Logger.SetLevel(lvl)
}

// Component returns a logger tagged with the given component name.
func Component(name string) *logrus.Entry {
	return Logger.WithField("component", name)
}
