package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/mspsync/bus"
	"github.com/teranos/mspsync/errors"
	"github.com/teranos/mspsync/integration"
	"github.com/teranos/mspsync/logger"
	"github.com/teranos/mspsync/pulse/schedule"
	"github.com/teranos/mspsync/store"
)

// JobsCmd groups scheduled job inspection commands
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and retry scheduled jobs",
	Long: `Inspect and retry scheduled sync jobs.

Examples:
  mspsync jobs ls                       # Most recently updated jobs
  mspsync jobs ls --status failed       # Failed jobs, oldest first
  mspsync jobs ls --tenant t1 --json    # One tenant's jobs as JSON
  mspsync jobs ls --data-source ds1     # One data source's jobs, oldest first
  mspsync jobs retry <id>               # Re-queue a failed job`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var jobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List scheduled jobs",
	RunE:  runJobsLs,
}

var jobsRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Re-queue a failed job to run now with fresh attempts",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsRetry,
}

// jobFilter holds the ls flags
type jobFilter struct {
	Status     string
	Tenant     string
	DataSource string
	Limit      int
}

var (
	jobsFilter jobFilter
	jobsJSON   bool
)

func init() {
	jobsLsCmd.Flags().StringVar(&jobsFilter.Status, "status", "", "Filter by status: pending, running, completed, failed")
	jobsLsCmd.Flags().StringVar(&jobsFilter.Tenant, "tenant", "", "Filter by tenant id")
	jobsLsCmd.Flags().StringVar(&jobsFilter.DataSource, "data-source", "", "Filter by data source id")
	jobsLsCmd.Flags().IntVar(&jobsFilter.Limit, "limit", 50, "Maximum jobs to list")
	jobsLsCmd.Flags().BoolVar(&jobsJSON, "json", false, "Output as JSON")

	JobsCmd.AddCommand(jobsLsCmd)
	JobsCmd.AddCommand(jobsRetryCmd)
}

func parseStatus(s string) (schedule.JobStatus, error) {
	switch st := schedule.JobStatus(s); st {
	case schedule.StatusPending, schedule.StatusRunning, schedule.StatusCompleted, schedule.StatusFailed:
		return st, nil
	}
	return "", errors.NewInvalidRequestError("unknown job status %q (supported: pending, running, completed, failed)", s)
}

// listJobs applies the ls filters. The query is chosen by data source, then
// status, then tenant; the remaining filters narrow its result.
func listJobs(ctx context.Context, jobs *schedule.Store, f jobFilter) ([]*schedule.Job, error) {
	var st schedule.JobStatus
	if f.Status != "" {
		parsed, err := parseStatus(f.Status)
		if err != nil {
			return nil, err
		}
		st = parsed
	}

	var (
		out []*schedule.Job
		err error
	)
	switch {
	case f.DataSource != "":
		out, err = jobs.ListJobsByDataSource(ctx, f.DataSource, st)
	case st != "":
		out, err = jobs.ListJobsByStatus(ctx, st)
	case f.Tenant != "":
		out, err = jobs.ListJobsByTenant(ctx, f.Tenant)
	default:
		out, err = jobs.ListRecentJobs(ctx, f.Limit)
	}
	if err != nil {
		return nil, err
	}

	filtered := out[:0]
	for _, j := range out {
		if f.Tenant != "" && j.TenantID != f.Tenant {
			continue
		}
		if st != "" && j.Status != st {
			continue
		}
		filtered = append(filtered, j)
	}
	out = filtered

	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func jobRows(jobs []*schedule.Job) [][]string {
	rows := [][]string{{"ID", "TENANT", "DATA SOURCE", "ACTION", "PRIO", "STATUS", "SCHEDULED", "ATTEMPTS", "ERROR"}}
	for _, j := range jobs {
		rows = append(rows, []string{
			j.ID,
			j.TenantID,
			j.DataSourceID,
			j.Action,
			strconv.Itoa(j.Priority),
			string(j.Status),
			j.ScheduledAt.Format(time.RFC3339),
			fmt.Sprintf("%d/%d", j.Attempts, j.AttemptsMax),
			j.Error,
		})
	}
	return rows
}

func runJobsLs(cmd *cobra.Command, args []string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	jobs, err := listJobs(cmd.Context(), schedule.NewStore(database), jobsFilter)
	if err != nil {
		return err
	}

	if jobsJSON {
		data, err := json.MarshalIndent(jobs, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to marshal jobs")
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	}

	if len(jobs) == 0 {
		pterm.Info.Println("No jobs")
		return nil
	}
	table, err := pterm.DefaultTable.WithHasHeader().WithData(jobRows(jobs)).Srender()
	if err != nil {
		return errors.Wrap(err, "failed to render jobs")
	}
	fmt.Fprintln(cmd.OutOrStdout(), table)
	return nil
}

func runJobsRetry(cmd *cobra.Command, args []string) error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	database, err := openDatabase(cfg.GetDatabasePath())
	if err != nil {
		return err
	}
	defer database.Close()

	registry, err := integration.LoadRegistry(cfg.Integrations.DescriptorsPath)
	if err != nil {
		return errors.Wrap(err, "failed to load integration descriptors")
	}
	b := bus.NewMemoryBus(logger.Logger)
	defer b.Close()

	scheduler := newScheduler(cfg, database, store.New(database), registry, b, logger.Logger.Named("scheduler"))
	job, err := scheduler.RetryJob(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	pterm.Success.Printf("Job %s re-queued for %s\n", job.ID, job.ScheduledAt.Format(time.RFC3339))
	return nil
}
