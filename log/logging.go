// SPDX-License-Identifier: GPL-3.0-or-later
package log

import (
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	loggers   map[string]*logrus.Logger
	loggersMu sync.RWMutex
)

func NewPrefixLogger(prefix string) *PrefixLogger {
	stringPrefix := fmt.Sprintf("%s:\t", prefix)

	formatter := &logrus.TextFormatter{}
	formatter.FullTimestamp = true
	formatter.TimestampFormat = "2006-01-02 15:04:05"
	formatter.DisableColors = strings.Contains(runtime.GOOS, "windows")
	return &PrefixLogger{
		formatter,
		[]byte(stringPrefix),
	}
}

type PrefixLogger struct {
	formatter logrus.Formatter
	prefix    []byte
}

func (f *PrefixLogger) Format(entry *logrus.Entry) ([]byte, error) {
	text, err := f.formatter.Format(entry)
	if err != nil {
		return nil, err
	}
	return append(f.prefix, text...), nil
}

const (
	LOG_MAIN        = "MA"
	LOG_TRIAGE      = "TR"
	LOG_PERSISTENCE = "PI"
	LOG_BLOCKLIST   = "BL"
	LOG_LOCALMODEL  = "LM"
	LOG_SCHEDULER   = "SC"
	LOG_INGEST      = "IN"
	LOG_IMAP        = "IM"
	LOG_GMAIL       = "GM"
	LOG_REMOTE      = "RC"
)

var allPrefixes = []string{
	LOG_MAIN,
	LOG_TRIAGE,
	LOG_PERSISTENCE,
	LOG_BLOCKLIST,
	LOG_LOCALMODEL,
	LOG_SCHEDULER,
	LOG_INGEST,
	LOG_IMAP,
	LOG_GMAIL,
	LOG_REMOTE,
}

func getLevel(loglevel string) logrus.Level {
	switch strings.ToLower(loglevel) {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "panic":
		return logrus.PanicLevel
	case "fatal":
		return logrus.FatalLevel
	}

	// Info is default
	return logrus.InfoLevel
}

func initLogger(prefix, loglevel string) {
	loggers[prefix] = logrus.New()
	loggers[prefix].Level = getLevel(loglevel)
	loggers[prefix].Formatter = NewPrefixLogger(prefix)
}

func InitLogging(loglevel string) {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	loggers = make(map[string]*logrus.Logger)
	for _, prefix := range allPrefixes {
		initLogger(prefix, loglevel)
	}
}

func SetLogLevel(loglevel string) {
	loggersMu.RLock()
	defer loggersMu.RUnlock()

	for _, v := range loggers {
		v.SetLevel(getLevel(loglevel))
	}
}

// SetOutput redirects every subsystem logger, mostly used to silence tests.
func SetOutput(w io.Writer) {
	loggersMu.RLock()
	defer loggersMu.RUnlock()

	for _, v := range loggers {
		v.SetOutput(w)
	}
}

// Logger returns the logger of a subsystem. Logging is lazily initialized at info
// level so packages can be used without calling InitLogging first.
func Logger(logger string) *logrus.Logger {
	loggersMu.RLock()
	initialized := loggers != nil
	loggersMu.RUnlock()
	if !initialized {
		InitLogging("info")
	}

	loggersMu.RLock()
	defer loggersMu.RUnlock()
	l, ok := loggers[logger]
	if !ok {
		panic("Logger " + logger + " unknown")
	}

	return l
}
