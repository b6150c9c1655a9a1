// Package notify delivers run progress to users: task begin/update/end
// events with a status, free-text lines, named counters and the optional
// completion mail that carries the archive password.
package notify

import (
	"sync"

	"go.uber.org/zap"
)

// Status is the severity attached to a task update.
type Status int

const (
	StatusOK Status = iota
	StatusRunning
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusRunning:
		return "running"
	case StatusError:
		return "error"
	}
	return "unknown"
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Sink receives progress events. Messages may contain HTML. Implementations
// must be safe for concurrent use.
type Sink interface {
	BeginTask(name string)
	UpdateTask(message string, status Status)
	EndTask(message string, status Status)
	Println(line string)
	Counter(name string, value int64)
}

// Discard is a Sink that drops everything.
type Discard struct{}

func (Discard) BeginTask(string)          {}
func (Discard) UpdateTask(string, Status) {}
func (Discard) EndTask(string, Status)    {}
func (Discard) Println(string)            {}
func (Discard) Counter(string, int64)     {}

type multi []Sink

// Multi fans events out to every sink in order. Nil sinks are skipped.
func Multi(sinks ...Sink) Sink {
	var m multi
	for _, s := range sinks {
		if s != nil {
			m = append(m, s)
		}
	}
	return m
}

func (m multi) BeginTask(name string) {
	for _, s := range m {
		s.BeginTask(name)
	}
}

func (m multi) UpdateTask(message string, status Status) {
	for _, s := range m {
		s.UpdateTask(message, status)
	}
}

func (m multi) EndTask(message string, status Status) {
	for _, s := range m {
		s.EndTask(message, status)
	}
}

func (m multi) Println(line string) {
	for _, s := range m {
		s.Println(line)
	}
}

func (m multi) Counter(name string, value int64) {
	for _, s := range m {
		s.Counter(name, value)
	}
}

// LogSink writes events to a zap logger.
type LogSink struct {
	logger *zap.Logger

	mu   sync.Mutex
	task string
}

func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

func (l *LogSink) BeginTask(name string) {
	l.mu.Lock()
	l.task = name
	l.mu.Unlock()
	l.logger.Info(name)
}

// UpdateTask logs at debug level; updates carry rendered HTML progress.
func (l *LogSink) UpdateTask(message string, status Status) {
	l.logger.Debug("Task update", zap.String("task", l.current()), zap.Stringer("status", status), zap.String("message", message))
}

func (l *LogSink) EndTask(message string, status Status) {
	fields := []zap.Field{zap.String("task", l.current()), zap.Stringer("status", status)}
	if status == StatusError {
		l.logger.Error(message, fields...)
		return
	}
	l.logger.Info(message, fields...)
}

func (l *LogSink) Println(line string) {
	l.logger.Info(line)
}

func (l *LogSink) Counter(name string, value int64) {
	l.logger.Debug("Counter", zap.String("name", name), zap.Int64("value", value))
}

func (l *LogSink) current() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.task
}
