package notify

import (
	"sync"
	"time"
)

// EventKind identifies a recorded Sink call.
type EventKind string

const (
	KindBegin   EventKind = "begin"
	KindUpdate  EventKind = "update"
	KindEnd     EventKind = "end"
	KindLine    EventKind = "line"
	KindCounter EventKind = "counter"
)

// Event is one Sink call.
type Event struct {
	Kind    EventKind `json:"kind"`
	Task    string    `json:"task,omitempty"`
	Message string    `json:"message,omitempty"`
	Status  Status    `json:"status"`
	Name    string    `json:"name,omitempty"`
	Value   int64     `json:"value,omitempty"`
	TS      time.Time `json:"ts"`
}

// Recorder is an in-memory Sink. The progress server reads from it.
type Recorder struct {
	mu       sync.Mutex
	events   []Event
	task     string
	latest   string
	status   Status
	counters map[string]int64
}

func NewRecorder() *Recorder {
	return &Recorder{counters: make(map[string]int64)}
}

func (r *Recorder) BeginTask(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.task = name
	r.latest = ""
	r.status = StatusRunning
	r.add(Event{Kind: KindBegin, Task: name, Status: StatusRunning})
}

// UpdateTask records the latest progress message. Consecutive updates
// replace each other in the event list.
func (r *Recorder) UpdateTask(message string, status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.latest = message
	r.status = status
	ev := Event{Kind: KindUpdate, Task: r.task, Message: message, Status: status}
	if n := len(r.events); n > 0 && r.events[n-1].Kind == KindUpdate {
		ev.TS = time.Now().UTC()
		r.events[n-1] = ev
		return
	}
	r.add(ev)
}

func (r *Recorder) EndTask(message string, status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.latest = message
	r.status = status
	r.add(Event{Kind: KindEnd, Task: r.task, Message: message, Status: status})
}

func (r *Recorder) Println(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.add(Event{Kind: KindLine, Task: r.task, Message: line})
}

func (r *Recorder) Counter(name string, value int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[name] += value
	r.add(Event{Kind: KindCounter, Name: name, Value: value})
}

func (r *Recorder) add(ev Event) {
	ev.TS = time.Now().UTC()
	r.events = append(r.events, ev)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Counters returns a copy of the accumulated counters.
func (r *Recorder) Counters() map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int64, len(r.counters))
	for k, v := range r.counters {
		out[k] = v
	}
	return out
}

// Current returns the active task, its latest message and status.
func (r *Recorder) Current() (task, message string, status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.task, r.latest, r.status
}
