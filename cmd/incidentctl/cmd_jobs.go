package main

import (
	"context"
	"fmt"

	"github.com/communitywatch/incident-server/internal/app"
	"github.com/communitywatch/incident-server/internal/services"
	"github.com/spf13/cobra"
)

// jobCommands expose each scheduled job as a one-shot command
var jobCommands = []struct {
	use, job, short string
}{
	{"rescore", services.JobRescore, "Recompute confidence scores for recent unsettled incidents"},
	{"purge-sessions", services.JobPurge, "Delete abandoned USSD sessions past retention"},
	{"expire", services.JobExpire, "Expire alerts that were never picked up"},
	{"flush-outbox", services.JobFlushOutbox, "Retry queued SMS notifications"},
}

func init() {
	for _, jc := range jobCommands {
		jc := jc
		rootCmd.AddCommand(&cobra.Command{
			Use:   jc.use,
			Short: jc.short,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runJob(cmd, jc.job)
			},
		})
	}
}

func runJob(cmd *cobra.Command, name string) error {
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		n, err := a.Scheduler.RunNow(ctx, name)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d records changed\n", name, n)
		return nil
	})
}
