package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/SirClappington/queuectl/internal/domain"
	"github.com/SirClappington/queuectl/internal/queue"
)

func enqueueCmd(a *app) *cobra.Command {
	var (
		id         string
		command    string
		maxRetries int
		runAt      string
	)
	cmd := &cobra.Command{
		Use:   "enqueue [job-json]",
		Short: "Add a job to the queue",
		Long: `Add a job to the queue, either from flags or from a single JSON object:

  queuectl enqueue -c 'echo hi' --max-retries 5
  queuectl enqueue '{"id":"job1","command":"sleep 2","max_retries":3}'`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var req queue.EnqueueRequest
			if len(args) == 1 {
				if anyChanged(cmd, "id", "command", "max-retries", "run-at") {
					return fmt.Errorf("%w: pass either a JSON job or flags, not both", domain.ErrInvalidInput)
				}
				var err error
				if req, err = queue.DecodeEnqueueRequest(strings.NewReader(args[0])); err != nil {
					return err
				}
			} else {
				req = queue.EnqueueRequest{ID: id, Command: command}
				if cmd.Flags().Changed("max-retries") {
					req.MaxRetries = &maxRetries
				}
				if runAt != "" {
					t, err := parseRunAt(runAt)
					if err != nil {
						return err
					}
					req.RunAt = &t
				}
			}

			return a.withService(cmd.Context(), func(svc *queue.Service) error {
				j, err := svc.Enqueue(cmd.Context(), req)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s\n", j.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "job id (a UUID is generated when empty)")
	cmd.Flags().StringVarP(&command, "command", "c", "", "shell command to run")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "retry budget for this job (defaults to the worker setting)")
	cmd.Flags().StringVar(&runAt, "run-at", "", "earliest start time, RFC3339 or unix seconds")
	return cmd
}

func listCmd(a *app) *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, optionally by state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var filter *domain.State
			if state != "" {
				st, err := domain.ParseState(state)
				if err != nil {
					return err
				}
				filter = &st
			}
			return a.withService(cmd.Context(), func(svc *queue.Service) error {
				jobs, err := svc.List(cmd.Context(), filter)
				if err != nil {
					return err
				}
				if len(jobs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "no jobs")
					return nil
				}
				return printJobs(cmd.OutOrStdout(), jobs)
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "pending, processing, completed or dead")
	return cmd
}

func getCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd.Context(), func(svc *queue.Service) error {
				j, err := svc.Get(cmd.Context(), args[0])
				if errors.Is(err, domain.ErrNotFound) {
					return fmt.Errorf("job %s not found", args[0])
				}
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(j)
			})
		},
	}
}

func statusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show job counts per state and whether workers are running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			err := a.withService(cmd.Context(), func(svc *queue.Service) error {
				counts, err := svc.Status(cmd.Context())
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				for _, st := range domain.States {
					fmt.Fprintf(tw, "%s\t%d\n", st, counts[st])
				}
				return tw.Flush()
			})
			if err != nil {
				return err
			}

			info, err := readPIDFile(a.cfg.PIDFile)
			switch {
			case err != nil:
				fmt.Fprintln(out, "workers: stopped")
			case !info.alive():
				fmt.Fprintf(out, "workers: stopped (stale pid file for %d)\n", info.PID)
			default:
				fmt.Fprintf(out, "workers: %d running (pid %d, started %s)\n",
					info.Count, info.PID, humanize.Time(info.StartedAt))
			}
			return nil
		},
	}
}

func printJobs(w io.Writer, jobs []domain.Job) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tATTEMPTS\tRUN AT\tUPDATED\tCOMMAND\tLAST ERROR")
	for _, j := range jobs {
		lastErr := ""
		if j.LastError != nil {
			lastErr = *j.LastError
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			j.ID, j.State, j.Attempts,
			humanize.Time(j.RunAt), humanize.Time(j.UpdatedAt),
			oneLine(j.Command, 40), oneLine(lastErr, 60))
	}
	return tw.Flush()
}

func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > max {
		return string(r[:max-1]) + "…"
	}
	return s
}

func parseRunAt(s string) (time.Time, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(n, 0).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: run-at %q is neither RFC3339 nor unix seconds", domain.ErrInvalidInput, s)
	}
	return t.UTC(), nil
}

func anyChanged(cmd *cobra.Command, names ...string) bool {
	for _, n := range names {
		if cmd.Flags().Changed(n) {
			return true
		}
	}
	return false
}
