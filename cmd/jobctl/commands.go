package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"companion-jobs/internal/config"
	"companion-jobs/internal/deadletter"
	"companion-jobs/internal/models"
	"companion-jobs/internal/store"
	"companion-jobs/internal/worker"
)

func newRootCmd(cfg config.Config, log zerolog.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:          "jobctl",
		Short:        "Operate the background job queue",
		SilenceUsage: true,
	}
	root.AddCommand(
		migrateCmd(cfg),
		enqueueCmd(cfg),
		dispatchCmd(cfg, log),
		listCmd(cfg),
		dlqCmd(cfg),
	)
	return root
}

func openStore(ctx context.Context, cfg config.Config) (*store.Store, error) {
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("%w: DATABASE_URL", config.ErrMissingConfig)
	}
	return store.New(ctx, cfg.DatabaseURL)
}

func migrateCmd(cfg config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("%w: DATABASE_URL", config.ErrMissingConfig)
			}
			if err := store.Migrate(cfg.DatabaseURL); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func enqueueCmd(cfg config.Config) *cobra.Command {
	var (
		userID     string
		payload    string
		priority   int
		maxRetries int
		delay      time.Duration
		force      bool
	)
	cmd := &cobra.Command{
		Use:   "enqueue <type>",
		Short: "Insert a pending job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := json.RawMessage(payload)
			if !json.Valid(raw) {
				return errors.New("--payload is not valid JSON")
			}
			if !force {
				if err := worker.NewValidationRegistry().Validate(args[0], raw); err != nil {
					return err
				}
			}

			ctx := cmd.Context()
			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			if maxRetries <= 0 {
				maxRetries = cfg.DefaultMaxRetries
			}
			params := store.CreateJobParams{
				Type:       args[0],
				UserID:     userID,
				Payload:    raw,
				Priority:   priority,
				MaxRetries: maxRetries,
			}
			if delay > 0 {
				at := time.Now().Add(delay).UTC()
				params.NotBefore = &at
			}
			job, err := st.CreateJob(ctx, params)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s (%s)\n", job.ID, job.Type)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "owning user id")
	cmd.Flags().StringVar(&payload, "payload", "{}", "job payload as JSON")
	cmd.Flags().IntVar(&priority, "priority", 0, "higher runs first")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "attempt budget (default DEFAULT_MAX_RETRIES)")
	cmd.Flags().DurationVar(&delay, "delay", 0, "earliest start, relative to now")
	cmd.Flags().BoolVar(&force, "force", false, "skip payload validation; allows types with no registered handler")
	return cmd
}

func dispatchCmd(cfg config.Config, log zerolog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch",
		Short: "Run one dispatcher invocation and print its summary",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx := cmd.Context()
			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			rdb := deadletter.NewClient(cfg)
			defer rdb.Close()

			c, err := worker.NewFromConfig(ctx, cfg, st, deadletter.New(rdb, cfg.DLQName), log)
			if err != nil {
				return err
			}
			sum, err := c.Dispatcher.Run(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), sum)
		},
	}
}

func listCmd(cfg config.Config) *cobra.Command {
	var f store.ListFilter
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f.Status = models.Status(status)
			if f.Status != "" && !f.Status.Valid() {
				return fmt.Errorf("unknown status %q", status)
			}
			ctx := cmd.Context()
			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			jobs, err := st.ListJobs(ctx, f)
			if err != nil {
				return err
			}
			writeJobs(cmd.OutOrStdout(), jobs)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "pending, processing, completed or failed")
	cmd.Flags().StringVar(&f.Type, "type", "", "job type")
	cmd.Flags().StringVar(&f.UserID, "user", "", "user id")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	return cmd
}

func dlqCmd(cfg config.Config) *cobra.Command {
	dlq := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect the dead-letter list",
	}

	var count int64
	list := &cobra.Command{
		Use:   "list",
		Short: "Show the most recent dead-lettered jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rdb := deadletter.NewClient(cfg)
			defer rdb.Close()
			entries, err := deadletter.New(rdb, cfg.DLQName).Peek(cmd.Context(), count)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "dead-letter list is empty")
				return nil
			}
			writeDeadLetters(cmd.OutOrStdout(), entries)
			return nil
		},
	}
	list.Flags().Int64Var(&count, "count", 20, "entries to show")

	clear := &cobra.Command{
		Use:   "clear",
		Short: "Drop every dead-letter entry",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rdb := deadletter.NewClient(cfg)
			defer rdb.Close()
			n, err := deadletter.New(rdb, cfg.DLQName).Clear(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d entries\n", n)
			return nil
		},
	}

	dlq.AddCommand(list, clear)
	return dlq
}

func writeJobs(w io.Writer, jobs []models.Job) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tPRIORITY\tRETRIES\tUPDATED\tERROR")
	for _, j := range jobs {
		errMsg := ""
		if j.ErrorMessage != nil {
			errMsg = *j.ErrorMessage
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d/%d\t%s\t%s\n",
			j.ID, j.Type, j.Status, j.Priority, j.RetryCount, j.MaxRetries,
			j.UpdatedAt.Format(time.RFC3339), errMsg)
	}
	_ = tw.Flush()
}

func writeDeadLetters(w io.Writer, entries []deadletter.Entry) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tUSER\tFAILED AT\tREASON")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			e.Job.ID, e.Job.Type, e.Job.UserID, e.FailedAt.Format(time.RFC3339), e.Reason)
	}
	_ = tw.Flush()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
