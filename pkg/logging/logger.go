package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Log is the process-wide logger. It is usable before InitLogger runs.
var Log = logrus.New()

// InitLogger configures Log. Debug mode prints human readable lines,
// otherwise JSON is emitted. A non-empty logFile adds a rotating file sink.
func InitLogger(debug bool, logFile string) {
	Log = logrus.New()

	var out io.Writer = os.Stdout
	if logFile != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		})
	}
	Log.SetOutput(out)

	if debug {
		Log.SetLevel(logrus.DebugLevel)
		Log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	} else {
		Log.SetLevel(logrus.InfoLevel)
		Log.SetFormatter(&logrus.JSONFormatter{})
	}
}

// ForTransfer returns an entry tagged with the transfer id and component.
func ForTransfer(component, transferID string) *logrus.Entry {
	fields := logrus.Fields{"component": component}
	if transferID != "" {
		fields["transfer_id"] = transferID
	}
	return Log.WithFields(fields)
}
