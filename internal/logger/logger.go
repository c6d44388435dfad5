package logger

import (
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type Logger struct {
	*logrus.Entry
}

var (
	baseMu sync.RWMutex
	base   *logrus.Logger
)

// Setup configures the process-wide base logger. Local env = pretty console;
// others = JSON. Safe to call more than once; the last call wins.
func Setup(env, level string) {
	l := logrus.New()
	if env == "" || env == "local" {
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339Nano,
			ForceColors:     true,
		})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})
	}
	l.SetOutput(os.Stdout)

	switch level {
	case "debug":
		l.SetLevel(logrus.DebugLevel)
	case "warn":
		l.SetLevel(logrus.WarnLevel)
	case "error":
		l.SetLevel(logrus.ErrorLevel)
	default:
		l.SetLevel(logrus.InfoLevel)
	}

	baseMu.Lock()
	base = l
	baseMu.Unlock()
}

func New() *Logger {
	baseMu.RLock()
	l := base
	baseMu.RUnlock()
	if l == nil {
		Setup(os.Getenv("ENVIRONMENT"), os.Getenv("LOG_LEVEL"))
		baseMu.RLock()
		l = base
		baseMu.RUnlock()
	}
	return &Logger{Entry: logrus.NewEntry(l)}
}

// Component returns a logger tagged with the component name.
func Component(name string) *Logger {
	l := New()
	return &Logger{Entry: l.Entry.WithField("component", name)}
}

// WithRequest attaches request metadata and returns an entry
func (l *Logger) WithRequest(r *http.Request) *logrus.Entry {
	reqID := r.Header.Get("X-Request-ID")
	if reqID == "" {
		reqID = uuid.New().String()
	}

	return l.WithFields(logrus.Fields{
		"req_id":     reqID,
		"method":     r.Method,
		"path":       r.URL.Path,
		"remote_ip":  r.RemoteAddr,
		"user_agent": r.UserAgent(),
	})
}

// WithUser tags the entry with the chat user the work is done for.
func (l *Logger) WithUser(userID int64) *logrus.Entry {
	return l.Entry.WithField("user_id", userID)
}

// WithError standardizes error logging
func (l *Logger) WithError(err error) *logrus.Entry {
	if err == nil {
		return l.Entry
	}
	return l.Entry.WithField("error", err.Error())
}
