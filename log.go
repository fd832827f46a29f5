package slasher

import (
	"strings"

	"github.com/chain/txvm/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.StandardLogger()

func init() {
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
}

// ParseLogLevel maps a LOG_LEVEL setting onto a logrus level.
// CRITICAL collapses onto the fatal level.
func ParseLogLevel(s string) (logrus.Level, error) {
	switch strings.ToUpper(s) {
	case "", "INFO":
		return logrus.InfoLevel, nil
	case "DEBUG":
		return logrus.DebugLevel, nil
	case "WARNING":
		return logrus.WarnLevel, nil
	case "ERROR":
		return logrus.ErrorLevel, nil
	case "CRITICAL":
		return logrus.FatalLevel, nil
	}
	return logrus.InfoLevel, errors.New("invalid log level " + s)
}

// SetLogLevel applies a LOG_LEVEL setting to the process-wide logger.
func SetLogLevel(s string) error {
	level, err := ParseLogLevel(s)
	if err != nil {
		return err
	}
	log.SetLevel(level)
	return nil
}
