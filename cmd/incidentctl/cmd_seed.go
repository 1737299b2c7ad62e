package main

import (
	"context"
	"fmt"

	"github.com/communitywatch/incident-server/internal/app"
	"github.com/spf13/cobra"
)

var seedFlags struct {
	file string
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Insert escalation rules and responders that are not yet present",
	Long: `Seed reads rules and responders from --file, RULES_FILE, or the built-in
defaults, in that order. Records already present are left untouched.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			if err := a.Migrate(ctx); err != nil {
				return err
			}
			res, err := a.Seed(ctx, seedFlags.file)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Inserted %d rules and %d responders\n", res.Rules, res.Responders)
			return nil
		})
	},
}

func init() {
	seedCmd.Flags().StringVarP(&seedFlags.file, "file", "f", "", "YAML seed file")
	rootCmd.AddCommand(seedCmd)
}
