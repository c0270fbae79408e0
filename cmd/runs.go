/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"
	"time"

	"cloudimages/internal/images"

	"github.com/spf13/cobra"
)

// runsCmd represents the runs command
var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Show the recorded create runs, newest first",
	Long: `Runs reads the records create writes to state_dir and shows how each
run ended. VMs a run left behind are listed so they can be cleaned up.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close(cmd.Context())

		runs, err := s.manager.Runs()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%-20s %-10s %-12s %-18s %-10s %s\n", "Started", "Type", "Dist", "Phase", "Outcome", "Left behind")
		fmt.Fprintln(out, "------------------------------------------------------------------------------------------")
		for _, run := range runs {
			fmt.Fprintf(out, "%-20s %-10s %-12s %-18s %-10s %s\n",
				run.CreatedAt.UTC().Format(time.DateTime), run.ImageType, run.Dist, run.Phase, run.Outcome, images.LeftBehind(run))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runsCmd)
}
