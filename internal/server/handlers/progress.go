package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/3leaps/genimpute/pkg/notify"
	"github.com/3leaps/genimpute/pkg/scheduler"
)

// StateSource returns the current per-region job states.
type StateSource interface {
	Snapshot() []scheduler.RegionState
}

// EventSource exposes what was reported to a notify.Recorder.
type EventSource interface {
	Current() (task, message string, status notify.Status)
	Events() []notify.Event
	Counters() map[string]int64
}

// ProgressResponse is the body of GET /progress.
type ProgressResponse struct {
	Task     string                  `json:"task"`
	Message  string                  `json:"message,omitempty"`
	Status   notify.Status           `json:"status"`
	Counts   scheduler.Counts        `json:"counts"`
	Regions  []scheduler.RegionState `json:"regions"`
	Counters map[string]int64        `json:"counters,omitempty"`
}

// Progress serves run progress.
type Progress struct {
	states StateSource
	events EventSource
}

func NewProgress(states StateSource, events EventSource) *Progress {
	return &Progress{states: states, events: events}
}

func (p *Progress) snapshot() []scheduler.RegionState {
	if p.states == nil {
		return nil
	}
	return p.states.Snapshot()
}

// JSON handles GET /progress.
func (p *Progress) JSON(w http.ResponseWriter, _ *http.Request) {
	states := p.snapshot()
	resp := ProgressResponse{
		Counts:  scheduler.CountStates(states),
		Regions: states,
	}
	if resp.Regions == nil {
		resp.Regions = []scheduler.RegionState{}
	}
	if p.events != nil {
		resp.Task, resp.Message, resp.Status = p.events.Current()
		resp.Counters = p.events.Counters()
	}
	writeJSON(w, resp)
}

// HTML handles GET /progress.html with the badge fragment of the job table.
func (p *Progress) HTML(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(scheduler.RenderHTML(p.snapshot())))
}

// Events handles GET /events. The optional since query parameter skips
// that many events.
func (p *Progress) Events(w http.ResponseWriter, r *http.Request) {
	var events []notify.Event
	if p.events != nil {
		events = p.events.Events()
	}
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err := strconv.Atoi(raw)
		if err != nil || since < 0 {
			respondWithError(w, r, badRequest("since must be a non-negative integer"))
			return
		}
		if since > len(events) {
			since = len(events)
		}
		events = events[since:]
	}
	if events == nil {
		events = []notify.Event{}
	}
	writeJSON(w, events)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}
