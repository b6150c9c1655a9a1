package cmd

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/3leaps/genimpute/pkg/scheduler"
)

type fakeSnapshots struct {
	mu     sync.Mutex
	states []scheduler.RegionState
}

func (f *fakeSnapshots) set(states []scheduler.RegionState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = states
}

func (f *fakeSnapshots) Snapshot() []scheduler.RegionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]scheduler.RegionState(nil), f.states...)
}

func TestProgressBarStops(t *testing.T) {
	src := &fakeSnapshots{}
	var buf bytes.Buffer

	pb := startProgressBar(&buf, src.Snapshot, 5*time.Millisecond)
	src.set([]scheduler.RegionState{
		{Region: "1", State: scheduler.Succeeded},
		{Region: "2", State: scheduler.Running},
	})
	time.Sleep(20 * time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		pb.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("progress bar did not stop")
	}
	assert.Equal(t, int64(1), pb.bar.Current())
}

func TestProgressBarStopsWithoutRegions(t *testing.T) {
	src := &fakeSnapshots{}
	var buf bytes.Buffer

	pb := startProgressBar(&buf, src.Snapshot, time.Millisecond)
	stopped := make(chan struct{})
	go func() {
		pb.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("progress bar did not stop")
	}
}
