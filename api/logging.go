package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

// requestLogFormatter routes chi's per-request log lines through logrus.
type requestLogFormatter struct {
	log logrus.FieldLogger
}

func (f requestLogFormatter) NewLogEntry(r *http.Request) middleware.LogEntry {
	return &requestLogEntry{log: f.log.WithFields(logrus.Fields{
		"request_id": middleware.GetReqID(r.Context()),
		"method":     r.Method,
		"path":       r.URL.Path,
		"remote":     r.RemoteAddr,
	})}
}

type requestLogEntry struct {
	log logrus.FieldLogger
}

func (e *requestLogEntry) Write(status, bytes int, _ http.Header, elapsed time.Duration, _ any) {
	entry := e.log.WithFields(logrus.Fields{
		"status":      status,
		"bytes":       bytes,
		"duration_ms": float64(elapsed.Microseconds()) / 1000,
	})
	switch {
	case status >= http.StatusInternalServerError:
		entry.Error("request failed")
	case status >= http.StatusBadRequest:
		entry.Warn("request rejected")
	default:
		entry.Info("request served")
	}
}

func (e *requestLogEntry) Panic(v any, stack []byte) {
	e.log.WithFields(logrus.Fields{
		"panic": fmt.Sprint(v),
		"stack": string(stack),
	}).Error("request panicked")
}
