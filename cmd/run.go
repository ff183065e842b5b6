package cmd

import (
	"log"

	"github.com/reveriebot/reverie/reverie"
	"github.com/spf13/cobra"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the Reverie bot",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			bot, err := reverie.New(ctx, cfg)
			if err != nil {
				log.Fatalf("error creating reverie: %s", err.Error())
			}

			if err = bot.Run(ctx); err != nil {
				log.Fatalf("error running reverie: %s", err.Error())
			}
		},
	}
)

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(runCmd)
}
