package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/3leaps/genimpute/pkg/jobregistry"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect region jobs",
	Long: `Inspect the managed region jobs started by run and impute.

Each job has a stable id and a record directory below <data_dir>/jobs holding
job.json, the unit spec and the captured stdout/stderr.`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List region jobs",
	RunE:  runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Show status for a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsStopCmd = &cobra.Command{
	Use:   "stop <job_id>",
	Short: "Stop a running job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStop,
}

var jobsLogsCmd = &cobra.Command{
	Use:   "logs <job_id>",
	Short: "Show logs for a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsLogs,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsStopCmd)
	jobsCmd.AddCommand(jobsLogsCmd)

	jobsListCmd.Flags().Bool("json", false, "Output as JSON")
	jobsStatusCmd.Flags().Bool("json", false, "Output as JSON")
	jobsStopCmd.Flags().String("signal", "term", "Signal to send: term or kill")
	jobsLogsCmd.Flags().String("stream", "stdout", "Log stream: stdout, stderr, or both")
	jobsLogsCmd.Flags().Int("tail", 200, "Show last N lines (0 = no tail)")
	jobsLogsCmd.Flags().Bool("follow", false, "Follow log output")
}

func openJobStore() (*jobregistry.Store, error) {
	root, err := jobsRootDir(currentConfig())
	if err != nil {
		return nil, err
	}
	return jobregistry.NewStore(root), nil
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	store, err := openJobStore()
	if err != nil {
		return err
	}
	return listJobs(store, os.Stdout, jsonOutput)
}

func listJobs(store *jobregistry.Store, w io.Writer, jsonOutput bool) error {
	jobs, err := store.List()
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(w, "No jobs found")
		return nil
	}

	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(jobs)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer func() { _ = tw.Flush() }()

	_, _ = fmt.Fprintln(tw, "JOB ID\tNAME\tREGION\tSTATE\tSTARTED\tENDED\tEXIT")
	for _, j := range jobs {
		name := j.Name
		if name == "" {
			name = "-"
		}
		exit := "-"
		if j.ExitCode != nil {
			exit = fmt.Sprintf("%d", *j.ExitCode)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			shortJobID(j.JobID),
			name,
			j.Region,
			j.State,
			formatOptionalTime(j.StartedAt),
			formatOptionalTime(j.EndedAt),
			exit,
		)
	}
	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

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
	return printJobStatus(rec, os.Stdout, jsonOutput)
}

func printJobStatus(rec *jobregistry.JobRecord, w io.Writer, jsonOutput bool) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	}

	_, _ = fmt.Fprintf(w, "job_id=%s\n", rec.JobID)
	if rec.Name != "" {
		_, _ = fmt.Fprintf(w, "name=%s\n", rec.Name)
	}
	_, _ = fmt.Fprintf(w, "region=%s\n", rec.Region)
	_, _ = fmt.Fprintf(w, "state=%s\n", rec.State)
	_, _ = fmt.Fprintf(w, "spec_path=%s\n", rec.SpecPath)
	if rec.PID > 0 {
		_, _ = fmt.Fprintf(w, "pid=%d\n", rec.PID)
	}
	if rec.ExitCode != nil {
		_, _ = fmt.Fprintf(w, "exit_code=%d\n", *rec.ExitCode)
	}
	if rec.Error != "" {
		_, _ = fmt.Fprintf(w, "error=%s\n", rec.Error)
	}
	if rec.StartedAt != nil {
		_, _ = fmt.Fprintf(w, "started_at=%s\n", rec.StartedAt.UTC().Format(time.RFC3339))
	}
	if rec.EndedAt != nil {
		_, _ = fmt.Fprintf(w, "ended_at=%s\n", rec.EndedAt.UTC().Format(time.RFC3339))
	}
	return nil
}

func shortJobID(jobID string) string {
	jobID = strings.TrimSpace(jobID)
	if len(jobID) <= 12 {
		return jobID
	}
	return jobID[:12]
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

// resolveJobID accepts a full job id or an unambiguous prefix.
func resolveJobID(store *jobregistry.Store, input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("job_id is required")
	}

	if _, err := store.Get(input); err == nil {
		return input, nil
	}

	jobs, err := store.List()
	if err != nil {
		return "", err
	}
	matches := make([]string, 0, 2)
	for _, j := range jobs {
		if strings.HasPrefix(j.JobID, input) {
			matches = append(matches, j.JobID)
		}
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("job not found: %s", input)
	}
	if len(matches) > 1 {
		return "", fmt.Errorf("job id prefix is ambiguous (%d matches); use full job_id or --json", len(matches))
	}
	return matches[0], nil
}
