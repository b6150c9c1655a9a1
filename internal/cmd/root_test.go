package cmd

import (
	"errors"
	"fmt"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/stretchr/testify/assert"
)

func TestSetVersionInfo(t *testing.T) {
	orig := versionInfo
	defer func() { versionInfo = orig }()

	tests := []struct {
		name      string
		version   string
		commit    string
		buildDate string
	}{
		{
			name:      "set all values",
			version:   "1.0.0",
			commit:    "abc123",
			buildDate: "2024-01-15",
		},
		{
			name:      "set dev version",
			version:   "dev",
			commit:    "HEAD",
			buildDate: "unknown",
		},
		{
			name:      "set empty values",
			version:   "",
			commit:    "",
			buildDate: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetVersionInfo(tt.version, tt.commit, tt.buildDate)

			assert.Equal(t, tt.version, versionInfo.Version)
			assert.Equal(t, tt.commit, versionInfo.Commit)
			assert.Equal(t, tt.buildDate, versionInfo.BuildDate)
		})
	}
}

func TestExitError(t *testing.T) {
	cause := errors.New("boom")
	err := exitError(foundry.ExitInvalidArgument, "Invalid run input", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, int(foundry.ExitInvalidArgument), exitCodeOf(err))
	assert.Contains(t, err.Error(), "Invalid run input: boom")
	assert.Contains(t, err.Error(), "exit code")

	wrapped := fmt.Errorf("command: %w", err)
	assert.Equal(t, int(foundry.ExitInvalidArgument), exitCodeOf(wrapped))

	assert.Equal(t, 1, exitCodeOf(cause))
}

func TestCommandsRegistered(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "impute", "export", "regions", "jobs", "serve", "version", "doctor"} {
		assert.True(t, names[want], "command %s not registered", want)
	}

	jobs := make(map[string]bool)
	for _, c := range jobsCmd.Commands() {
		jobs[c.Name()] = true
	}
	for _, want := range []string{"list", "status", "stop", "logs"} {
		assert.True(t, jobs[want], "jobs %s not registered", want)
	}
}
