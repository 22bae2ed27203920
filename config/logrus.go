package config

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var (
	logg *logrus.Logger
)

func GetLogger() *logrus.Logger {
	return logg
}

func init() {
	logg = NewLogger(os.Stdout)
}

// NewLogger builds the JSON logger shared by the service and the admin CLI.
//
// Set via env:
// - LOG_LEVEL (default error)
// - PFA_SERVICE_NAME (default pfa-sync), stamped on every entry as "service"
func NewLogger(out io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.ErrorLevel)
	if lvl, err := logrus.ParseLevel(strings.TrimSpace(os.Getenv("LOG_LEVEL"))); err == nil {
		logger.SetLevel(lvl)
	}
	service := strings.TrimSpace(os.Getenv("PFA_SERVICE_NAME"))
	if service == "" {
		service = "pfa-sync"
	}
	logger.AddHook(serviceHook{service: service})
	logger.SetOutput(out)
	return logger
}

type serviceHook struct {
	service string
}

func (h serviceHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h serviceHook) Fire(entry *logrus.Entry) error {
	if _, ok := entry.Data["service"]; !ok {
		entry.Data["service"] = h.service
	}
	return nil
}

// LogError writes err at error level with the calling module and function.
func LogError(logger *logrus.Logger, moduleName string, funcName string, context string, data any, err error) {
	if logger == nil || err == nil {
		return
	}
	fields := logrus.Fields{
		"module":   moduleName,
		"funcName": funcName,
		"context":  context,
	}
	if data != nil {
		fields["data"] = data
	}
	logger.WithFields(fields).Error(err.Error())
}
