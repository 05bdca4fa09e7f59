package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/SirClappington/queuectl/internal/domain"
	"github.com/SirClappington/queuectl/internal/queue"
)

func dlqCmd(a *app) *cobra.Command {
	dlq := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay the dead letter queue",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List dead jobs, oldest failure first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withService(cmd.Context(), func(svc *queue.Service) error {
				jobs, err := svc.DLQList(cmd.Context())
				if err != nil {
					return err
				}
				if len(jobs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "dead letter queue is empty")
					return nil
				}
				return printJobs(cmd.OutOrStdout(), jobs)
			})
		},
	}

	retry := &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Move a dead job back to pending with a fresh retry budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd.Context(), func(svc *queue.Service) error {
				_, err := svc.DLQReplay(cmd.Context(), args[0])
				if errors.Is(err, domain.ErrNotFound) {
					return fmt.Errorf("job %s is not in the dead letter queue", args[0])
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "job %s moved back to pending\n", args[0])
				return nil
			})
		},
	}

	dlq.AddCommand(list, retry)
	return dlq
}
