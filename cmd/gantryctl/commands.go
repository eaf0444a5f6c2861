package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/gantrylab/gantry/internal/infrastructure/http/handler"
)

func buildEnqueueCommand(opts *cliOptions) *cobra.Command {
	var (
		req            handler.CreateJobRequest
		conversationID string
		parentJobID    string
		caps           handler.CapsDTO
	)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Submit a new job",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}

			if conversationID != "" {
				req.ConversationID = &conversationID
			}
			if parentJobID != "" {
				req.ParentJobID = &parentJobID
			}
			if caps != (handler.CapsDTO{}) {
				req.Caps = &caps
			}

			job, err := client.createJob(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s (mode=%s, agent=%s)\n", job.ID, job.Mode, job.AgentType)
			return nil
		},
	}

	cmd.Flags().StringVar(&req.Goal, "goal", "", "what the agent should accomplish (required)")
	cmd.Flags().StringVar(&req.RepoPath, "repo", "", "repository path the job operates on (required)")
	cmd.Flags().StringVar(&req.Mode, "mode", "", "execution mode: mechanic or genius")
	cmd.Flags().StringVar(&req.AgentType, "agent", "", "agent type (defaults to the coordinator)")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "conversation to attach the job to")
	cmd.Flags().StringVar(&parentJobID, "parent", "", "parent job id for follow-up work")
	cmd.Flags().IntVar(&caps.StepCap, "step-cap", 0, "max agent steps (0 uses the mode default)")
	cmd.Flags().IntVar(&caps.TokenCap, "token-cap", 0, "max tokens (0 uses the mode default)")
	cmd.Flags().IntVar(&caps.CostCapCents, "cost-cap", 0, "max cost in cents (0 uses the mode default)")
	_ = cmd.MarkFlagRequired("goal")
	_ = cmd.MarkFlagRequired("repo")

	return cmd
}

func buildStatusCommand(opts *cliOptions) *cobra.Command {
	var query listJobsQuery

	cmd := &cobra.Command{
		Use:   "status [job-id]",
		Short: "Show one job, or list recent jobs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}

			if len(args) == 1 {
				job, err := client.getJob(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				printJob(cmd.OutOrStdout(), job)
				return nil
			}

			jobs, err := client.listJobs(cmd.Context(), query)
			if err != nil {
				return err
			}
			printJobTable(cmd.OutOrStdout(), jobs)
			return nil
		},
	}

	cmd.Flags().StringVar(&query.status, "status", "", "filter by status")
	cmd.Flags().StringVar(&query.mode, "mode", "", "filter by mode")
	cmd.Flags().StringVar(&query.conversationID, "conversation", "", "filter by conversation")
	cmd.Flags().IntVar(&query.limit, "limit", 0, "max jobs to return (0 uses the server default)")

	return cmd
}

func buildEventsCommand(opts *cliOptions) *cobra.Command {
	var (
		after  int64
		limit  int
		follow bool
	)

	cmd := &cobra.Command{
		Use:   "events <job-id>",
		Short: "Print a job's event ledger",
		Long: `Print a job's event ledger in seq order. With --follow the command
backfills past --after and then tails new events until interrupted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if follow {
				return client.followEvents(cmd.Context(), args[0], after, func(event handler.EventDTO) {
					fmt.Fprintln(out, formatEvent(event))
				})
			}

			page, err := client.listEvents(cmd.Context(), args[0], after, limit)
			if err != nil {
				return err
			}
			for _, event := range page.Events {
				fmt.Fprintln(out, formatEvent(event))
			}
			return nil
		},
	}

	cmd.Flags().Int64Var(&after, "after", 0, "start just past this seq")
	cmd.Flags().IntVar(&limit, "limit", 0, "max events to return (0 uses the server default; ignored with --follow)")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep the stream open and print events as they land")

	return cmd
}

func buildCancelCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Request cooperative cancellation of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			job, err := client.cancelJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancel requested: %s is now %s\n", job.ID, job.Status)
			return nil
		},
	}
}

func buildResumeCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <job-id>",
		Short: "Requeue a job parked for human review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			job, err := client.resumeJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "resumed: %s is now %s\n", job.ID, job.Status)
			return nil
		},
	}
}

func buildConversationsCommand(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conversations",
		Short: "Manage conversations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "create",
		Short: "Create an empty conversation for follow-up jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			conv, err := client.createConversation(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), conv.ID)
			return nil
		},
	})

	return cmd
}

// printJob writes the detail view for one job.
func printJob(w io.Writer, job handler.JobDTO) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	row := func(label, value string) {
		fmt.Fprintf(tw, "%s\t%s\n", label, value)
	}

	row("id", job.ID)
	row("status", job.Status)
	row("mode", job.Mode)
	row("agent", job.AgentType)
	row("goal", job.Goal)
	row("repo", job.RepoPath)
	if job.ConversationID != nil {
		row("conversation", *job.ConversationID)
	}
	if job.ParentJobID != nil {
		row("parent", *job.ParentJobID)
	}
	row("budget", fmt.Sprintf("steps %d/%d, tokens %d/%d, cost %d/%d cents",
		job.Usage.StepsUsed, job.Caps.StepCap,
		job.Usage.TokensUsed, job.Caps.TokenCap,
		job.Usage.CostUsedCents, job.Caps.CostCapCents))
	if job.Claimant != nil {
		row("claimant", *job.Claimant)
	}
	if job.CurrentAction != "" {
		row("action", job.CurrentAction)
	}
	row("created", job.CreatedAt.Format(time.RFC3339))
	if job.StartedAt != nil {
		row("started", job.StartedAt.Format(time.RFC3339))
	}
	if job.CancelRequestedAt != nil {
		row("cancel requested", job.CancelRequestedAt.Format(time.RFC3339))
	}
	if job.FinishedAt != nil {
		row("finished", job.FinishedAt.Format(time.RFC3339))
	}

	tw.Flush()
}

// printJobTable writes the list view.
func printJobTable(w io.Writer, jobs []handler.JobDTO) {
	if len(jobs) == 0 {
		fmt.Fprintln(w, "no jobs")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tMODE\tSTEPS\tAGE\tGOAL")
	for _, job := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			job.ID, job.Status, job.Mode,
			job.Usage.StepsUsed, job.Caps.StepCap,
			formatAge(job.CreatedAt), truncate(job.Goal, 48))
	}
	tw.Flush()
}

// formatEvent renders one ledger event as a single line.
func formatEvent(event handler.EventDTO) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %5d  %-12s", event.CreatedAt.Local().Format("15:04:05"), event.Seq, event.Kind)
	if event.ToolName != "" {
		fmt.Fprintf(&b, "  %s", event.ToolName)
	}
	if event.Summary != "" {
		fmt.Fprintf(&b, "  %s", event.Summary)
	}
	return b.String()
}

// formatAge renders a compact relative age for list views.
func formatAge(t time.Time) string {
	age := time.Since(t)
	switch {
	case age < time.Minute:
		return fmt.Sprintf("%ds", int(age.Seconds()))
	case age < time.Hour:
		return fmt.Sprintf("%dm", int(age.Minutes()))
	case age < 24*time.Hour:
		return fmt.Sprintf("%dh", int(age.Hours()))
	default:
		return fmt.Sprintf("%dd", int(age.Hours()/24))
	}
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}
