package cmd

import (
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/3leaps/genimpute/pkg/jobregistry"
)

// stopWait is how long a SIGTERM'd job may take to exit before SIGKILL.
const stopWait = 30 * time.Second

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}

func runJobsStop(cmd *cobra.Command, args []string) error {
	sigStr, _ := cmd.Flags().GetString("signal")
	sigStr = strings.TrimSpace(strings.ToLower(sigStr))
	if sigStr == "" {
		sigStr = "term"
	}
	if sigStr != "term" && sigStr != "kill" {
		return fmt.Errorf("invalid --signal %q (expected term or kill)", sigStr)
	}

	store, err := openJobStore()
	if err != nil {
		return err
	}
	resolvedID, err := resolveJobID(store, args[0])
	if err != nil {
		return err
	}
	rec, err := store.Get(resolvedID)
	if err != nil {
		return err
	}
	if rec.PID <= 0 {
		return fmt.Errorf("job has no pid recorded")
	}
	if rec.State != jobregistry.JobStateRunning {
		return fmt.Errorf("job is not running (state=%s)", rec.State)
	}

	proc, err := os.FindProcess(rec.PID)
	if err != nil {
		return fmt.Errorf("find process: %w", err)
	}

	sig := syscall.SIGTERM
	if sigStr == "kill" {
		sig = syscall.SIGKILL
	}

	now := time.Now().UTC()
	rec.State = jobregistry.JobStateStopping
	rec.LastHeartbeat = &now
	_ = store.Write(rec)

	if err := proc.Signal(sig); err != nil {
		return fmt.Errorf("signal %s: %w", sigStr, err)
	}

	sent := "sent=" + sigStr
	if sig == syscall.SIGTERM && !waitForExit(rec.PID, stopWait) {
		_ = proc.Signal(syscall.SIGKILL)
		sent += ";forced=kill"
	}

	markStopped(store, rec)
	_, _ = fmt.Fprintln(os.Stdout, sent)
	return nil
}

func waitForExit(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return true
		}
		time.Sleep(250 * time.Millisecond)
	}
	return false
}

func markStopped(store *jobregistry.Store, rec *jobregistry.JobRecord) {
	now := time.Now().UTC()
	rec.State = jobregistry.JobStateStopped
	rec.EndedAt = &now
	rec.LastHeartbeat = &now
	_ = store.Write(rec)
}
