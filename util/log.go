package util

import (
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/weighstation/weighstation/formatter"
)

// LogConsole sends the log to stdout instead of a file
const LogConsole = "console"

// InitLog parses and sets log-level input
func InitLog(logLevel string, logPath string) error {
	level, err := log.ParseLevel(logLevel)
	if err != nil {
		log.Errorf("Failed parsing log-level %s: %s", logLevel, err)
		return err
	}

	var out io.Writer = os.Stdout
	if logPath != "" && logPath != LogConsole {
		// flash is small, keep the rotation tight
		out = &lumberjack.Logger{
			Filename:   filepath.ToSlash(logPath),
			MaxSize:    1, // MB
			MaxBackups: 3,
			MaxAge:     14, // days
			Compress:   true,
		}
	}
	log.SetOutput(out)

	formatter.SetTextFormatter(log.StandardLogger())
	log.SetLevel(level)
	return nil
}
