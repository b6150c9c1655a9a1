package notify

import (
	"context"
	"sync"

	"github.com/3leaps/genimpute/pkg/output"
)

// JSONLSink writes events as output records. The first write error is kept
// and returned by Err; later events are still attempted.
type JSONLSink struct {
	w output.Writer

	mu   sync.Mutex
	task string
	err  error
}

func NewJSONLSink(w output.Writer) *JSONLSink {
	return &JSONLSink{w: w}
}

func (s *JSONLSink) BeginTask(name string) {
	s.mu.Lock()
	s.task = name
	s.mu.Unlock()
	s.keep(s.w.WriteTask(context.Background(), &output.TaskRecord{Phase: output.PhaseBegin, Name: name}))
}

func (s *JSONLSink) UpdateTask(message string, status Status) {
	s.keep(s.w.WriteTask(context.Background(), &output.TaskRecord{Phase: output.PhaseUpdate, Name: s.current(), Message: message, Status: status.String()}))
}

func (s *JSONLSink) EndTask(message string, status Status) {
	s.keep(s.w.WriteTask(context.Background(), &output.TaskRecord{Phase: output.PhaseEnd, Name: s.current(), Message: message, Status: status.String()}))
}

func (s *JSONLSink) Println(line string) {
	s.keep(s.w.WriteTask(context.Background(), &output.TaskRecord{Phase: output.PhaseLog, Name: s.current(), Message: line}))
}

func (s *JSONLSink) Counter(name string, value int64) {
	s.keep(s.w.WriteCounter(context.Background(), &output.CounterRecord{Name: name, Value: value}))
}

// Err returns the first write error.
func (s *JSONLSink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *JSONLSink) current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.task
}

func (s *JSONLSink) keep(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}
