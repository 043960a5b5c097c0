// Package cli provides the jobscheduler command line built on cobra.
//
//	jobscheduler serve            run the scheduler, HTTP API and metrics
//	jobscheduler jobs             list jobs of a running scheduler
//	jobscheduler run <job>        run a job now and print the outcome
//	jobscheduler pause <job>
//	jobscheduler resume <job>
//	jobscheduler history <job>    latest executions, --limit N
//
// Every command accepts --config; the client commands reach the server at
// --server, defaulting to the configured http.addr.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/jobscheduler/internal/api"
	"github.com/t77yq/jobscheduler/internal/config"
	"github.com/t77yq/jobscheduler/internal/cronexpr"
	"github.com/t77yq/jobscheduler/internal/model"
)

// Version is set at build time
var Version = "dev"

const shutdownTimeout = 30 * time.Second

type options struct {
	configFile string
	server     string
	user       string
}

// BuildCLI assembles the root command
func BuildCLI() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "jobscheduler",
		Short: "Recurring job scheduler",
		Long: `jobscheduler runs cron-scheduled jobs with at most one instance
executing a job at a time, bounded retries and execution history.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "config file path (default ./config/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&opts.server, "server", "", "scheduler base URL (default from http.addr)")
	rootCmd.PersistentFlags().StringVar(&opts.user, "user", os.Getenv("USER"), "user recorded on manual runs")

	rootCmd.AddCommand(buildServeCommand(opts))
	rootCmd.AddCommand(buildJobsCommand(opts))
	rootCmd.AddCommand(buildRunCommand(opts))
	rootCmd.AddCommand(buildPauseCommand(opts))
	rootCmd.AddCommand(buildResumeCommand(opts))
	rootCmd.AddCommand(buildHistoryCommand(opts))

	return rootCmd
}

func buildServeCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

func runServe(ctx context.Context, opts *options) error {
	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return err
	}
	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := a.start(ctx); err != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
		defer done()
		_ = a.shutdown(shutdownCtx)
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case <-ctx.Done():
	}
	cancel()

	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	if err := a.shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("Scheduler shut down gracefully")
	return nil
}

func buildJobsCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "jobs",
		Short: "List jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			jobs, err := client.ListJobs(cmd.Context())
			if err != nil {
				return err
			}
			printJobs(cmd.OutOrStdout(), jobs)
			return nil
		},
	}
}

func buildRunCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run <job>",
		Short: "Run a job now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			exec, err := client.RunJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printExecution(cmd.OutOrStdout(), exec)
			if exec.Status != model.ExecutionStatusSuccess {
				return fmt.Errorf("job %s finished with status %s", args[0], exec.Status)
			}
			return nil
		},
	}
}

func buildPauseCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "pause <job>",
		Short: "Pause a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			if err := client.PauseJob(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Paused %s\n", args[0])
			return nil
		},
	}
}

func buildResumeCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <job>",
		Short: "Resume a paused job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			if err := client.ResumeJob(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Resumed %s\n", args[0])
			return nil
		},
	}
}

func buildHistoryCommand(opts *options) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history <job>",
		Short: "Show recent executions of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			executions, err := client.GetJobHistory(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			printHistory(cmd.OutOrStdout(), executions)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of executions to show")
	return cmd
}

func (o *options) client() (*api.Client, error) {
	server := o.server
	if server == "" {
		cfg, err := config.Load(o.configFile)
		if err != nil {
			return nil, err
		}
		server = serverURL(cfg.HTTP.Addr)
	}
	return api.NewClient(server, o.user), nil
}

// serverURL turns a listen address into a local URL
func serverURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr
}

func printJobs(w io.Writer, jobs []*model.ScheduledJob) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSCHEDULE\tACTIVE\tNEXT RUN\tLAST STATUS\tRUNS\tFAILED\tHELD BY")
	now := time.Now()
	for _, job := range jobs {
		schedule := job.CronExpression
		if desc, err := cronexpr.Describe(job.CronExpression); err == nil {
			schedule = desc
		}
		holder := "-"
		if job.IsLocked(now) {
			holder = job.LockedBy
		}
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\t%d\t%d\t%s\n",
			job.JobName, schedule, job.IsActive, formatTime(job.NextRunAt),
			orDash(string(job.LastRunStatus)), job.TotalRuns, job.FailedRuns, holder)
	}
	tw.Flush()
}

func printExecution(w io.Writer, exec *model.JobExecution) {
	fmt.Fprintf(w, "Execution %s: %s", exec.ID, exec.Status)
	if exec.DurationMs != nil {
		fmt.Fprintf(w, " in %s", time.Duration(*exec.DurationMs)*time.Millisecond)
	}
	fmt.Fprintln(w)
	if exec.ErrorMessage != "" {
		fmt.Fprintf(w, "Error: %s\n", exec.ErrorMessage)
	}
}

func printHistory(w io.Writer, executions []*model.JobExecution) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tSTATUS\tDURATION\tTRIGGER\tRETRY\tERROR")
	for _, exec := range executions {
		duration := "-"
		if exec.DurationMs != nil {
			duration = (time.Duration(*exec.DurationMs) * time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			exec.StartedAt.Local().Format(time.DateTime), exec.Status, duration,
			exec.TriggeredBy, exec.RetryNumber, orDash(exec.ErrorMessage))
	}
	tw.Flush()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
